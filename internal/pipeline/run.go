package pipeline

import (
	"sync"
	"time"

	"github.com/hitoshi/forge/internal/model"
)

// イベント種別
const (
	EventProgress = "progress"
	EventDone     = "done"
	EventError    = "error"
)

// Event はストリームで呼び出し側に送る1件のメッセージ。
type Event struct {
	Type       string      `json:"type"`
	Stage      model.Stage `json:"stage,omitempty"`
	Message    string      `json:"message,omitempty"`
	Timestamp  *time.Time  `json:"timestamp,omitempty"`
	ResearchID string      `json:"researchId,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func progressEvent(entry model.LogEntry) Event {
	ts := entry.Timestamp
	return Event{Type: EventProgress, Stage: entry.Stage, Message: entry.Message, Timestamp: &ts}
}

// Run は開始済みの1回のリサーチ実行。
// Eventsは実行の終了後にクローズされる。呼び出し側が読み取りをやめる場合はDetachを呼ぶ。
type Run struct {
	ResearchID string

	events     chan Event
	detached   chan struct{}
	detachOnce sync.Once
	done       chan struct{}
}

func newRun(researchID string, buffer int) *Run {
	return &Run{
		ResearchID: researchID,
		events:     make(chan Event, buffer),
		detached:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Events は進捗イベントのチャネルを返す。
func (r *Run) Events() <-chan Event {
	return r.events
}

// Detach は以降のイベントを破棄させる。実行自体は継続し、結果は保存される。
func (r *Run) Detach() {
	r.detachOnce.Do(func() { close(r.detached) })
}

// Done は実行と保存がすべて終わるとクローズされるチャネルを返す。
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// send はイベントを送る。Detach後は読み手がいないため破棄する。
func (r *Run) send(ev Event) {
	select {
	case <-r.detached:
		return
	default:
	}
	select {
	case r.events <- ev:
	case <-r.detached:
	}
}

func (r *Run) finish() {
	close(r.events)
	close(r.done)
}
