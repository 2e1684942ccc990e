// Package es is the consistency and delivery core of the framework: it
// commits domain objects to an append-only event store under optimistic
// concurrency and replays the committed feed to downstream consumers from a
// durable checkpoint.
//
// # Repository
//
// A [Repository] tracks the objects touched during one unit of work by
// (bucket, id) and commits them together. Repeated Get/New calls for the
// same key return the same in-memory instance, so business logic reads its
// own writes within the scope:
//
//	repo := es.NewRepository[*Order](log, store)
//	order, err := repo.Get(ctx, "orders", "order-42")
//	...
//	repo.Commit(ctx, commitID, startingEventID, headers)
//
// Commit fans out one write per object over a bounded worker pool. A write
// hitting a transient concurrency conflict is retried up to the attempt cap
// with linearly increasing backoff; any other error abandons that object
// without aborting its siblings.
//
// # Unit of work
//
// [CommitUnitOfWork] adapts a repository into a terminal participant for
// the uow orchestrator, so the commit runs after every other participant's
// end hook:
//
//	orch := uow.NewOrchestrator(log, func() []uow.Participant {
//	    return []uow.Participant{es.NewCommitUnitOfWork(log, repo, nil)}
//	}, slowRegistry)
//
// # Durable subscriber
//
// A [Subscriber] resumes the global feed strictly after a consumer's saved
// checkpoint, decodes each event through the [EventRegistry] and forwards
// it to the messaging transport with the commit position, entity type,
// version, timestamp and the original commit headers. The checkpoint
// advances after each forwarded event; system events and empty payloads are
// skipped without advancing it. A dropped subscription is terminal until
// the host subscribes again, which re-reads the checkpoint (at-least-once).
//
// # Stores
//
// [NewInMemoryStore] is a correct in-memory [EventStore] for tests and dev.
// The production implementation on NATS JetStream lives in adapters/nats,
// together with a KV-bucket [CheckpointStore].
package es
