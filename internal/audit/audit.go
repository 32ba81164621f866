// Package audit is a best-effort, Postgres-backed persistence layer for
// emitted actions. It is NOT a substitute for Engine.Snapshot/Restore —
// that pair covers the in-memory state needed to resume rule evaluation;
// this package exists purely so a human can later answer "what actions
// fired and why" from durable storage. A write failure here never blocks
// or fails the action dispatch path: it is logged and dropped.
package audit

import (
	"time"

	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"riskguard/internal/action"
	"riskguard/pkg/conn"
)

// Row is the persisted representation of one dispatched action.
type Row struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RuleID    string `gorm:"index"`
	Kind      uint16
	KindName  string
	Subject   string `gorm:"index"`
	Reason    string
	CreatedAt time.Time `gorm:"index"`
}

// TableName pins the table name regardless of struct name changes.
func (Row) TableName() string { return "risk_action_audit" }

// Sink persists dispatched actions to Postgres via gorm. It implements the
// same callback shape as action.Sink so it can be passed straight into
// engine.Config.Sink, or composed with other sinks via Fanout.
type Sink struct {
	db *gorm.DB
}

// New builds an audit sink from a postgres connection option set and
// auto-migrates the audit table.
func New(opt conn.Option) (*Sink, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, err
	}
	db := client.DB()
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, err
	}
	return &Sink{db: db}, nil
}

// Write is an action.Sink: it persists the dispatched action and swallows
// (logging) any database error rather than propagating it back into the
// dispatch path.
func (s *Sink) Write(kind action.Kind, ruleID string, subject string, reason string, event any) {
	row := Row{
		RuleID:    ruleID,
		Kind:      uint16(kind),
		KindName:  kind.String(),
		Subject:   subject,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		logs.Errorf("audit: failed to persist action rule=%s subject=%s: %+v", ruleID, subject, err)
	}
}

// Fanout returns an action.Sink that calls every given sink in order. Used
// to compose an audit sink with a live-alerting sink (e.g. one posting to
// an external webhook) without the engine knowing either exists.
func Fanout(sinks ...action.Sink) action.Sink {
	return func(kind action.Kind, ruleID string, subject string, reason string, event any) {
		for _, s := range sinks {
			if s != nil {
				s(kind, ruleID, subject, reason, event)
			}
		}
	}
}
