// Package spawn provisions short-lived coding-agent instances across cloud
// providers.
//
// # Overview
//
// A run picks an agent and a cloud, creates an instance, waits for it to be
// reachable, injects the agent's environment and then either runs a command
// or attaches the caller's terminal. Temporary secret files are removed
// however the run ends.
//
// # Core Concepts
//
// ## Backends
//
// A Backend implements one cloud's half of the lifecycle: credential test,
// create, status fetch, connectivity probe, remote execution, upload and
// interactive attach. Optional capabilities are separate interfaces:
//   - KeyRegistrar: the provider keeps SSH public keys server-side
//   - Destroyer: the provider can delete instances
//
// Backends register themselves with the DefaultRegistry from init().
//
// ## Sessions and Secrets
//
// Resolved credentials live in the Session's Secrets, never in the process
// environment. A CredentialStore resolves each CredentialSpec from the
// session, the environment or the provider's JSON record under the spawn
// home directory, in that order.
//
// ## State machine
//
// The Engine advances a Run through Unauthenticated, Authenticated,
// KeyEnsured, Created, Polling, Ready, ConnectivityVerified, EnvInjected and
// finally Executing or InteractiveAttached. Any failure moves it to Failed.
// Only the status poll and the reachability wait retry, each with an attempt
// ceiling.
//
// # Usage
//
//	engine := spawn.NewEngine(spawn.WithStateStore(store))
//	agent, _ := spawn.LookupAgent("claude")
//
//	run, err := engine.Provision(ctx, spawn.Request{
//	    Cloud:    spawn.ProviderHetzner,
//	    Agent:    agent,
//	    Headless: true,
//	    Command:  "claude -p 'hello'",
//	})
//	res := spawn.NewResult(agent.Name, spawn.ProviderHetzner, run, err)
//	res.WriteJSON(os.Stdout)
//	os.Exit(spawn.DefaultCleanup.Cleanup(res.ExitCode()))
package spawn
