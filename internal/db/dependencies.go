package db

import (
	"context"
	"time"
)

type (
	SettingsStore interface {
		GetSettings(ctx context.Context, chatID int64) (*Settings, error)
		SetSettings(ctx context.Context, settings *Settings) error
	}

	HashStore interface {
		AddReferenceHash(ctx context.Context, hash *ReferenceHash) (*ReferenceHash, error)
		GetReferenceHashes(ctx context.Context, chatID int64) ([]*ReferenceHash, error)
		IncrementHashMatch(ctx context.Context, id int64) error
		DeleteReferenceHash(ctx context.Context, id int64) error
	}

	TemplateStore interface {
		UpsertSpamTemplate(ctx context.Context, tpl *SpamTemplate) (*SpamTemplate, error)
		GetEnabledSpamTemplates(ctx context.Context) ([]*SpamTemplate, error)
	}

	SnapshotStore interface {
		SaveMessageSnapshot(ctx context.Context, snapshot *MessageSnapshot) error
		GetMessageSnapshot(ctx context.Context, chatID int64, messageID int) (*MessageSnapshot, error)
		PurgeMessageSnapshots(ctx context.Context, before time.Time) (int64, error)
	}

	VoteStore interface {
		CreateVote(ctx context.Context, vote *Vote) (*Vote, bool, error)
		GetVote(ctx context.Context, id int64) (*Vote, error)
		GetActiveVote(ctx context.Context, chatID, targetUserID int64) (*Vote, error)
		GetActiveVotes(ctx context.Context) ([]*Vote, error)
		AddBallot(ctx context.Context, ballot *Ballot) (*Vote, error)
		ResolveVote(ctx context.Context, id int64, status VoteStatus, resolvedAt time.Time) (bool, error)
		SetVoteNotification(ctx context.Context, id int64, messageID int) error
	}

	KVStore interface {
		GetKV(ctx context.Context, key string) (string, error)
		SetKV(ctx context.Context, key string, value string) error
	}

	Client interface {
		SettingsStore
		HashStore
		TemplateStore
		SnapshotStore
		VoteStore
		KVStore
		Close() error
	}
)
