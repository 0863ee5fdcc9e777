// Package dataguard is the Go client SDK for a DataGuard server.
//
// The Client exposes the evaluation API directly; Wrap turns any tool
// function into a guarded one that is evaluated before every invocation:
//
//	client, _ := dataguard.New(
//		dataguard.WithBaseURL("http://localhost:8000"),
//		dataguard.WithAPIKey("agent-key"),
//	)
//
//	runShell := client.Wrap(execShell,
//		dataguard.WithAgentID("billing-agent"),
//		dataguard.WithCategory("code_execution"),
//	)
//
//	out, err := runShell(ctx, "bash", map[string]any{"command": "sudo ls /"})
//	// err is *dataguard.BlockedError when the Guardian refuses the call;
//	// rewritten calls run transparently with the safer arguments.
package dataguard
