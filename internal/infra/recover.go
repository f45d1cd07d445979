package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f and restarts it in a new goroutine when it panics.
// maxPanics limits the restarts; a negative value restarts forever and zero
// exits the process on the next panic.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		l := log.WithField("object", "GoRecoverable").WithField("job", id)
		l.WithField("panic", fmt.Sprint(err)).WithField("at", identifyPanic()).Error("job panicked")
		switch {
		case maxPanics == 0:
			l.Fatal("panics limit exceeded, exiting")
		case maxPanics > 0:
			maxPanics--
			l.WithField("panics_left", maxPanics).Debug("recovering job")
		default:
			l.Debug("recovering job")
		}
		go GoRecoverable(maxPanics, id, f)
	}()
	f()
}

func identifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}
	return fmt.Sprintf("pc:%x", pc)
}
