package resources

import "embed"

//go:embed migrations/*.sql templates/*.yaml
var FS embed.FS
