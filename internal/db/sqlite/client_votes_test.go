package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
)

func newVote(chatID, targetID int64, required int) *db.Vote {
	now := time.Now()
	return &db.Vote{
		ChatID:        chatID,
		TargetUserID:  targetID,
		InitiatorID:   1,
		Reason:        "spam",
		RequiredVotes: required,
		ActionType:    "ban",
		CreatedAt:     now,
		ExpiresAt:     now.Add(10 * time.Minute),
	}
}

func TestCreateVoteKeepsOneActivePerTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	first, created, err := client.CreateVote(ctx, newVote(-100, 7, 3))
	if err != nil || !created {
		t.Fatalf("create first vote: created=%v err=%v", created, err)
	}
	second, created, err := client.CreateVote(ctx, newVote(-100, 7, 3))
	if err != nil {
		t.Fatalf("create second vote: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing vote %d, got %d created=%v", first.ID, second.ID, created)
	}

	other, created, err := client.CreateVote(ctx, newVote(-100, 8, 3))
	if err != nil || !created || other.ID == first.ID {
		t.Fatalf("expected a separate vote for another target, got %+v created=%v err=%v", other, created, err)
	}

	if ok, err := client.ResolveVote(ctx, first.ID, db.VoteStatusExpired, time.Now()); err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	third, created, err := client.CreateVote(ctx, newVote(-100, 7, 3))
	if err != nil || !created || third.ID == first.ID {
		t.Fatalf("expected fresh vote after resolution, got created=%v err=%v", created, err)
	}
}

func TestAddBallotTalliesAndRejectsRepeats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	vote, _, err := client.CreateVote(ctx, newVote(-100, 7, 3))
	if err != nil {
		t.Fatalf("create vote: %v", err)
	}

	got, err := client.AddBallot(ctx, &db.Ballot{VoteID: vote.ID, VoterID: 11, Yes: true})
	if err != nil {
		t.Fatalf("first ballot: %v", err)
	}
	got, err = client.AddBallot(ctx, &db.Ballot{VoteID: vote.ID, VoterID: 12, Yes: false})
	if err != nil {
		t.Fatalf("second ballot: %v", err)
	}
	if got.VotesYes != 1 || got.VotesNo != 1 || len(got.Voters) != 2 {
		t.Fatalf("unexpected tally: yes=%d no=%d voters=%d", got.VotesYes, got.VotesNo, len(got.Voters))
	}
	if got.Voters[0].VoterID != 11 || got.Voters[1].VoterID != 12 {
		t.Fatalf("ballots out of order: %+v", got.Voters)
	}

	if _, err := client.AddBallot(ctx, &db.Ballot{VoteID: vote.ID, VoterID: 11, Yes: false}); !errors.Is(err, db.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	reloaded, err := client.GetVote(ctx, vote.ID)
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if reloaded.VotesYes+reloaded.VotesNo != len(reloaded.Voters) {
		t.Fatalf("tally drifted from voters: yes=%d no=%d voters=%d", reloaded.VotesYes, reloaded.VotesNo, len(reloaded.Voters))
	}

	if ok, err := client.ResolveVote(ctx, vote.ID, db.VoteStatusPardon, time.Now()); err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	if _, err := client.AddBallot(ctx, &db.Ballot{VoteID: vote.ID, VoterID: 13, Yes: true}); !errors.Is(err, db.ErrVoteClosed) {
		t.Fatalf("expected ErrVoteClosed, got %v", err)
	}
}

func TestResolveVoteCommitsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	vote, _, err := client.CreateVote(ctx, newVote(-100, 7, 3))
	if err != nil {
		t.Fatalf("create vote: %v", err)
	}

	statuses := []db.VoteStatus{db.VoteStatusPassed, db.VoteStatusExpired, db.VoteStatusRejected, db.VoteStatusPardon}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, status := range statuses {
		wg.Add(1)
		go func(status db.VoteStatus) {
			defer wg.Done()
			ok, err := client.ResolveVote(ctx, vote.ID, status, time.Now())
			if err != nil {
				t.Errorf("resolve %s: %v", status, err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(status)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one committed transition, got %d", winners)
	}
	if _, err := client.ResolveVote(ctx, vote.ID, db.VoteStatusActive, time.Now()); err == nil {
		t.Fatalf("expected error when resolving to a non-terminal status")
	}
}

func TestGetActiveVotesOmitsResolved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newTestClient(t)

	a, _, _ := client.CreateVote(ctx, newVote(-1, 1, 2))
	b, _, _ := client.CreateVote(ctx, newVote(-1, 2, 2))
	if _, err := client.ResolveVote(ctx, a.ID, db.VoteStatusRejected, time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := client.SetVoteNotification(ctx, b.ID, 555); err != nil {
		t.Fatalf("set notification: %v", err)
	}

	active, err := client.GetActiveVotes(ctx)
	if err != nil {
		t.Fatalf("get active votes: %v", err)
	}
	if len(active) != 1 || active[0].ID != b.ID || active[0].NotificationMessageID != 555 {
		t.Fatalf("unexpected active votes: %+v", active)
	}
	if got, err := client.GetVote(ctx, 9999); err != nil || got != nil {
		t.Fatalf("expected nil for missing vote, got %+v, %v", got, err)
	}
}
