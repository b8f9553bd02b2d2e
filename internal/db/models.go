package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB represents a jsonb column (TEXT under sqlite).
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// ToJSONB converts any JSON-serialisable value to a JSONB map.
func ToJSONB(v interface{}) (JSONB, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out JSONB
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskRun is the persisted outcome of one research task.
type TaskRun struct {
	TaskID       string     `db:"task_id"`
	Query        string     `db:"query"`
	UserID       *string    `db:"user_id"`
	Status       string     `db:"status"`
	Completeness *string    `db:"completeness"`
	Phase        string     `db:"phase"`
	Cycles       int        `db:"cycles"`
	Passes       int        `db:"passes"`
	Error        *string    `db:"error"`
	Report       JSONB      `db:"report"`
	Diagnostics  JSONB      `db:"diagnostics"`
	SubmittedAt  time.Time  `db:"submitted_at"`
	FinishedAt   *time.Time `db:"finished_at"`
}

// TaskEvent is one persisted phase transition.
type TaskEvent struct {
	TaskID    string    `db:"task_id"`
	Seq       int64     `db:"seq"`
	Phase     string    `db:"phase"`
	Prev      string    `db:"prev"`
	Outcome   string    `db:"outcome"`
	Reason    string    `db:"reason"`
	Cycle     int       `db:"cycle"`
	Pass      int       `db:"pass"`
	CreatedAt time.Time `db:"created_at"`
}

// Decode unmarshals j into out.
func (j JSONB) Decode(out interface{}) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
