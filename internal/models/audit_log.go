package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported JSONMap source type")
	}
}

type AuditLog struct {
	BaseModel
	UserID    *uuid.UUID `json:"userId,omitempty" gorm:"type:uuid;index"`
	Action    string     `json:"action" gorm:"type:varchar(64);not null;index"`
	Details   JSONMap    `json:"details,omitempty" gorm:"type:text"`
	IPAddress string     `json:"ipAddress" gorm:"type:varchar(64)"`
	RequestID string     `json:"requestId" gorm:"type:varchar(64)"`
	LoggedAt  time.Time  `json:"loggedAt" gorm:"not null;index"`
}
