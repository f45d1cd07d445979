package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iamwavecut/ngmod/internal/db"
)

const voteColumns = `id, chat_id, target_user_id, initiator_id, reason, message_id, required_votes, votes_yes,
	votes_no, status, action_type, notification_message_id, created_at, expires_at, resolved_at`

// CreateVote opens a vote unless one is already active for the same chat and
// target, in which case the active one is returned with created=false.
func (s *sqliteClient) CreateVote(ctx context.Context, vote *db.Vote) (*db.Vote, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getActiveVoteTx(ctx, tx, vote.ChatID, vote.TargetUserID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	vote.Status = db.VoteStatusActive
	vote.VotesYes, vote.VotesNo = 0, 0
	vote.Voters = nil
	vote.CreatedAt = vote.CreatedAt.UTC()
	vote.ExpiresAt = vote.ExpiresAt.UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO votes (chat_id, target_user_id, initiator_id, reason, message_id, required_votes,
			votes_yes, votes_no, status, action_type, notification_message_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)
	`, vote.ChatID, vote.TargetUserID, vote.InitiatorID, vote.Reason, vote.MessageID, vote.RequiredVotes,
		vote.Status, vote.ActionType, vote.NotificationMessageID, vote.CreatedAt, vote.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Another process won the race between the lookup and the insert.
			_ = tx.Rollback()
			existing, getErr := s.getActiveVote(ctx, vote.ChatID, vote.TargetUserID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert vote: %w", err)
	}
	if vote.ID, err = result.LastInsertId(); err != nil {
		return nil, false, fmt.Errorf("failed to get vote id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit vote: %w", err)
	}
	return vote, true, nil
}

func (s *sqliteClient) GetVote(ctx context.Context, id int64) (*db.Vote, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	vote := &db.Vote{}
	if err := s.db.GetContext(ctx, vote, `SELECT `+voteColumns+` FROM votes WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get vote %d: %w", id, err)
	}
	if err := loadBallots(ctx, s.db, vote); err != nil {
		return nil, err
	}
	return vote, nil
}

func (s *sqliteClient) GetActiveVote(ctx context.Context, chatID, targetUserID int64) (*db.Vote, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.getActiveVote(ctx, chatID, targetUserID)
}

func (s *sqliteClient) getActiveVote(ctx context.Context, chatID, targetUserID int64) (*db.Vote, error) {
	vote := &db.Vote{}
	err := s.db.GetContext(ctx, vote, `
		SELECT `+voteColumns+` FROM votes
		WHERE chat_id = ? AND target_user_id = ? AND status = 'active'
	`, chatID, targetUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active vote: %w", err)
	}
	if err := loadBallots(ctx, s.db, vote); err != nil {
		return nil, err
	}
	return vote, nil
}

func (s *sqliteClient) GetActiveVotes(ctx context.Context) ([]*db.Vote, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var votes []*db.Vote
	if err := s.db.SelectContext(ctx, &votes, `SELECT `+voteColumns+` FROM votes WHERE status = 'active' ORDER BY expires_at, id`); err != nil {
		return nil, fmt.Errorf("failed to get active votes: %w", err)
	}
	for _, vote := range votes {
		if err := loadBallots(ctx, s.db, vote); err != nil {
			return nil, err
		}
	}
	return votes, nil
}

// AddBallot records a ballot and bumps the tallies in one transaction. It
// returns db.ErrAlreadyVoted for a repeat voter and db.ErrVoteClosed when the
// vote is no longer active.
func (s *sqliteClient) AddBallot(ctx context.Context, ballot *db.Ballot) (*db.Vote, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	yes, no := 0, 1
	if ballot.Yes {
		yes, no = 1, 0
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE votes SET votes_yes = votes_yes + ?, votes_no = votes_no + ?
		WHERE id = ? AND status = 'active'
	`, yes, no, ballot.VoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to update tally: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return nil, db.ErrVoteClosed
	}

	if ballot.CastAt.IsZero() {
		ballot.CastAt = time.Now()
	}
	ins, err := tx.ExecContext(ctx, `
		INSERT INTO vote_ballots (vote_id, voter_id, choice, cast_at) VALUES (?, ?, ?, ?)
	`, ballot.VoteID, ballot.VoterID, ballot.Yes, ballot.CastAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, db.ErrAlreadyVoted
		}
		return nil, fmt.Errorf("failed to insert ballot: %w", err)
	}
	if ballot.ID, err = ins.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to get ballot id: %w", err)
	}

	vote := &db.Vote{}
	if err := tx.GetContext(ctx, vote, `SELECT `+voteColumns+` FROM votes WHERE id = ?`, ballot.VoteID); err != nil {
		return nil, fmt.Errorf("failed to reload vote: %w", err)
	}
	if err := loadBallots(ctx, tx, vote); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ballot: %w", err)
	}
	return vote, nil
}

// ResolveVote moves an active vote to a terminal status. It reports false
// when the vote had already left the active state.
func (s *sqliteClient) ResolveVote(ctx context.Context, id int64, status db.VoteStatus, resolvedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE votes SET status = ?, resolved_at = ? WHERE id = ? AND status = 'active'
	`, status, resolvedAt.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve vote %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteClient) SetVoteNotification(ctx context.Context, id int64, messageID int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE votes SET notification_message_id = ? WHERE id = ?`, messageID, id); err != nil {
		return fmt.Errorf("failed to set notification for vote %d: %w", id, err)
	}
	return nil
}

func getActiveVoteTx(ctx context.Context, tx *sqlx.Tx, chatID, targetUserID int64) (*db.Vote, error) {
	vote := &db.Vote{}
	err := tx.GetContext(ctx, vote, `
		SELECT `+voteColumns+` FROM votes
		WHERE chat_id = ? AND target_user_id = ? AND status = 'active'
	`, chatID, targetUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active vote: %w", err)
	}
	if err := loadBallots(ctx, tx, vote); err != nil {
		return nil, err
	}
	return vote, nil
}

func loadBallots(ctx context.Context, q sqlx.QueryerContext, vote *db.Vote) error {
	var ballots []*db.Ballot
	if err := sqlx.SelectContext(ctx, q, &ballots, `
		SELECT id, vote_id, voter_id, choice, cast_at FROM vote_ballots WHERE vote_id = ? ORDER BY id
	`, vote.ID); err != nil {
		return fmt.Errorf("failed to get ballots for vote %d: %w", vote.ID, err)
	}
	vote.Voters = ballots
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
