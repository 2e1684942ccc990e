package es

import (
	"context"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/eskit-go/core/uow"
)

// HeaderSource supplies caller headers for the commit of one unit of work.
type HeaderSource func() Headers

// CommitUnitOfWork is the terminal unit-of-work participant. On a
// successful invocation it commits every object tracked by the repository;
// on failure it only disposes the tracked cache so nothing is flushed.
type CommitUnitOfWork struct {
	uow.Base
	log       *slog.Logger
	committer Committer
	headers   HeaderSource

	commitID        string
	startingEventID string
}

func NewCommitUnitOfWork(log *slog.Logger, committer Committer, headers HeaderSource) *CommitUnitOfWork {
	return &CommitUnitOfWork{
		log:       log.With(slog.String("participant", "commit")),
		committer: committer,
		headers:   headers,
	}
}

func (u *CommitUnitOfWork) Priority() uow.PriorityClass { return uow.Terminal }

func (u *CommitUnitOfWork) Begin(_ context.Context) error {
	u.commitID = gonanoid.Must()
	u.startingEventID = gonanoid.Must()
	return nil
}

func (u *CommitUnitOfWork) End(ctx context.Context, failure error) error {
	defer u.committer.Dispose()

	if failure != nil {
		u.log.Debug(
			"rolling back, tracked objects discarded",
			slog.Int("tracked", u.committer.Size()),
			slog.Any("error", failure),
		)
		return nil
	}

	var hdrs Headers
	if u.headers != nil {
		hdrs = u.headers()
	}

	u.log.Debug(
		"committing",
		slog.String("commit_id", u.commitID),
		slog.Int("tracked", u.committer.Size()),
	)
	_, err := u.committer.Commit(ctx, u.commitID, u.startingEventID, hdrs)
	return err
}

var _ uow.Participant = (*CommitUnitOfWork)(nil)
