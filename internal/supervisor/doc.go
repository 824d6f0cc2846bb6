// Package supervisor keeps the device session running.
//
// A session is a function that connects, serves and returns when the
// device has to start over. The supervisor restarts it:
//
//   - immediately after a requested restart (ErrRestart), as after an
//     OTA update or an unbind
//   - after a backoff delay when it fails, up to MaxRestartAttempts
//
// Example usage:
//
//	sup := supervisor.New(supervisor.Config{
//	    Name:               "iothub-session",
//	    RestartDelay:       5 * time.Second,
//	    MaxRestartAttempts: 10,
//	})
//	sup.SetLogger(logger)
//
//	if err := sup.Run(ctx, runSession); err != nil {
//	    log.Fatal(err)
//	}
package supervisor
