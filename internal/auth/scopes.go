package auth

// Known OAuth scopes used by the reconciliation API.
const (
	ScopeWorkoutsRead  = "workouts:read"
	ScopeWorkoutsWrite = "workouts:write"
)
