// Package shutdown turns operator requests into a single, idempotent
// cancellation that every worker observes.
//
// A Coordinator owns a cancellable context. Any number of sources may call
// Trigger; only the first call takes effect and its reason is kept for the
// exit log line. Two sources are provided:
//
//   - WatchSignals: SIGINT and SIGTERM
//   - WatchConsole: a "q" or "Q" line on an io.Reader (normally os.Stdin)
//
// Usage:
//
//	coord := shutdown.New(ctx)
//	defer coord.Stop()
//	coord.WatchSignals()
//	go coord.WatchConsole(os.Stdin)
//
//	<-coord.Done()
//	log.Info("shutting down", "reason", coord.Reason())
package shutdown
