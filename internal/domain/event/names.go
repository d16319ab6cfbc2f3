package event

// Outbound event names. A session may prepend a configured namespace on the
// wire ("{namespace}.{name}"); these logical names are what the rest of the
// code matches on.
const (
	PlanStart         = "plan.start"
	PlanCompleted     = "plan.completed"
	PlanCancelled     = "plan.cancelled"
	PlanCoercionError = "plan.coercion_error"

	SolverStart     = "solver.start"
	SolverCompleted = "solver.completed"
	SolverCancelled = "solver.cancelled"
	SolverRestarted = "solver.restarted"

	AggregateStart     = "aggregate.start"
	AggregateCompleted = "aggregate.completed"

	PipelineCompleted = "pipeline.completed"

	AgentUserConfirm    = "agent.user_confirm"
	AgentFinalAnswer    = "agent.final_answer"
	AgentError          = "agent.error"
	AgentSessionCreated = "agent.session_created"
	AgentSessionEnd     = "agent.session_end"
	AgentInterrupted    = "agent.interrupted"

	// High-frequency partial types, the default coalescing set.
	AgentPartialAnswer = "agent.partial_answer"
	AgentLLMMessage    = "agent.llm_message"

	SystemConnected = "system.connected"
	SystemHeartbeat = "system.heartbeat"
	SystemError     = "system.error"
)

// Inbound (client → server) event names. The user.cancel_plan through
// user.restart_task family is the external control surface for the
// plan/solve run in flight.
const (
	UserCreateSession = "user.create_session"
	UserMessage       = "user.message"
	UserSolveTasks    = "user.solve_tasks"
	UserResponse      = "user.response"
	UserCancel        = "user.cancel"
	UserCancelPlan    = "user.cancel_plan"
	UserReplan        = "user.replan"
	UserCancelTask    = "user.cancel_task"
	UserRestartTask   = "user.restart_task"
)

// DefaultCoalesceNames returns the event names coalesced by outbound
// channels unless configured otherwise.
func DefaultCoalesceNames() []string {
	return []string{AgentPartialAnswer, AgentLLMMessage}
}
