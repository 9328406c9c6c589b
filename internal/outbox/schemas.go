package outbox

// Topic names for reconciliation events.
const (
	TopicWorkoutMerges    = "workout_merges"
	TopicWorkoutConflicts = "workout_conflicts"
)

const workoutMergedSchema = `{
  "type": "object",
  "title": "WorkoutMerged",
  "properties": {
    "workout_id": {"type": "string"},
    "athlete_id": {"type": "string"},
    "sport": {"type": "string"},
    "start_time": {"type": "string", "format": "date-time"},
    "end_time": {"type": "string", "format": "date-time"},
    "version": {"type": "integer"},
    "quality_score": {"type": "number"},
    "created": {"type": "boolean"},
    "merged_at": {"type": "string", "format": "date-time"}
  },
  "required": ["workout_id", "athlete_id", "sport", "start_time", "end_time", "version", "quality_score", "created", "merged_at"],
  "additionalProperties": false
}`

const conflictRecordedSchema = `{
  "type": "object",
  "title": "ConflictRecorded",
  "properties": {
    "workout_id": {"type": "string"},
    "athlete_id": {"type": "string"},
    "field": {"type": "string"},
    "existing_value": {"type": "number"},
    "existing_source": {"type": "string"},
    "candidate_value": {"type": "number"},
    "candidate_source": {"type": "string"},
    "resolution": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["workout_id", "athlete_id", "field", "existing_value", "existing_source", "candidate_value", "candidate_source", "resolution", "occurred_at"],
  "additionalProperties": false
}`
