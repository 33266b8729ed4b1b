package rpa

import "time"

// EventType 是推送给观察者的事件类型。
type EventType string

const (
	EventJobQueued   EventType = "job.queued"
	EventJobStarted  EventType = "job.started"
	EventJobProgress EventType = "job.progress"
	EventJobFinished EventType = "job.finished"
	EventStepDone    EventType = "step.finished"
)

// Event 是一次任务或步骤状态变化。
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId"`
	ProfileID string    `json:"profileId"`
	Job       *Job      `json:"job,omitempty"`
	Step      *StepLog  `json:"step,omitempty"`
	Time      time.Time `json:"time"`
}

// EventSink 接收事件。Publish 不能阻塞调用方。
type EventSink interface {
	Publish(ev Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
