// Package agora is a multi-agent collaboration runtime for Go.
//
// It coordinates a workspace of persistent agents that exchange messages
// through groups, wake each other up, call tools, and run supervised
// collaborative tasks with budgets and quality review.
//
// # Quick Start
//
// Open a store, build a runtime, bootstrap it:
//
//	st := sqlite.New("agora.db")
//	if err := st.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	rt := agora.NewRuntime(agora.RuntimeConfig{
//		Store:    st,
//		Bus:      agora.NewBus(0),
//		Resolver: resolve.Resolver(resolve.Config{Provider: "openai", Model: "gpt-4.1", APIKey: key}),
//	})
//	if err := rt.Bootstrap(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Bootstrap ensures every workspace has its human/assistant pair and a
// default group, starts runners for auto-run agents, and rehydrates task
// runs that were live at shutdown. From there agents are driven entirely
// by messages: sending into a group wakes its members, woken agents drain
// their unread mail through the model, and tool calls let them spawn
// subordinates, form groups, and message each other.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Store] — persistence for agents, groups, messages, model profiles, task runs
//   - [Provider] — streaming LLM backend with tool calling
//   - [Tool] — pluggable capability, dispatched when no built-in matches
//   - [SkillSource] — named skill documents injected into agent prompts
//   - [Tracer] — span indirection implemented by the observer package
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), provider/zhipu (ZhipuAI).
// Storage: store/sqlite (pure Go, default), store/postgres (pgx pool).
// Observability: observer (OpenTelemetry traces, metrics, logs over OTLP).
//
// See the cmd/agora directory for a complete reference binary.
package agora
