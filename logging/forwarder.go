package logging

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-funcworker/wire"
	"github.com/joeycumines/logiface"
)

type (
	// Forwarder is a logiface integration that tees every event to a
	// console logger and, while a sink is attached, to the host as RpcLog
	// messages.
	Forwarder struct {
		console *Logger
		sink    atomic.Pointer[Sink]
		logger  *logiface.Logger[*Event]
		level   atomic.Int32
	}

	// Sink receives forwarded logs. It is called synchronously, from the
	// logging goroutine, and must not block.
	Sink func(log *wire.RpcLog)

	// Event is the forwarder's logiface.Event implementation.
	Event struct {
		logiface.UnimplementedEvent
		lvl    logiface.Level
		set    bool
		msg    string
		err    error
		fields []field
	}

	field struct {
		key string
		val any
	}
)

var (
	_ logiface.Event                 = (*Event)(nil)
	_ logiface.EventFactory[*Event]  = (*Forwarder)(nil)
	_ logiface.EventReleaser[*Event] = (*Forwarder)(nil)
	_ logiface.Writer[*Event]        = (*Forwarder)(nil)

	eventPool = sync.Pool{New: func() any { return new(Event) }}
)

// NewForwarder initialises a forwarder, teeing to console, which may be
// nil. The level may be changed later, see SetLevel.
func NewForwarder(console *Logger, level logiface.Level) *Forwarder {
	x := &Forwarder{console: console}
	x.level.Store(int32(level))
	x.logger = logiface.New[*Event](
		logiface.WithEventFactory[*Event](x),
		logiface.WithEventReleaser[*Event](x),
		logiface.WithWriter[*Event](x),
		logiface.WithModifier[*Event](logiface.NewModifierFunc(x.filter)),
		logiface.WithLevel[*Event](logiface.LevelTrace),
	)
	return x
}

// SetLevel changes the level of the forwarder's logger, including loggers
// previously derived from it. Custom levels are always logged.
func (x *Forwarder) SetLevel(level logiface.Level) { x.level.Store(int32(level)) }

func (x *Forwarder) Level() logiface.Level { return logiface.Level(x.level.Load()) }

func (x *Forwarder) filter(e *Event) error {
	if lvl := e.Level(); lvl <= logiface.LevelTrace && lvl > x.Level() {
		return logiface.ErrDisabled
	}
	return nil
}

// Logger returns the generified logger writing to the receiver.
func (x *Forwarder) Logger() *Logger { return x.logger.Logger() }

// Attach starts forwarding to sink, replacing any previous sink.
func (x *Forwarder) Attach(sink Sink) {
	if sink == nil {
		x.sink.Store(nil)
		return
	}
	x.sink.Store(&sink)
}

// Detach stops forwarding.
func (x *Forwarder) Detach() { x.sink.Store(nil) }

func (x *Forwarder) NewEvent(level logiface.Level) *Event {
	e := eventPool.Get().(*Event)
	e.lvl = level
	e.set = true
	return e
}

func (x *Forwarder) ReleaseEvent(e *Event) {
	*e = Event{fields: e.fields[:0]}
	clear(e.fields[:cap(e.fields)])
	eventPool.Put(e)
}

func (x *Forwarder) Write(e *Event) error {
	if b := x.console.Build(e.lvl); b != nil {
		for _, f := range e.fields {
			b = b.Field(f.key, f.val)
		}
		if e.err != nil {
			b = b.Err(e.err)
		}
		b.Log(e.msg)
	}
	if sink := x.sink.Load(); sink != nil {
		(*sink)(e.RpcLog())
	}
	return nil
}

func (x *Event) Level() logiface.Level {
	if x == nil || !x.set {
		return logiface.LevelDisabled
	}
	return x.lvl
}

func (x *Event) AddField(key string, val any) {
	x.fields = append(x.fields, field{key, val})
}

func (x *Event) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *Event) AddError(err error) bool {
	x.err = err
	return true
}

// RpcLog converts the event to its wire form.
func (x *Event) RpcLog() *wire.RpcLog {
	log := wire.RpcLog{
		Category:    SystemCategory,
		Level:       WireLevel(x.Level()),
		LogCategory: wire.LogCategorySystem,
	}

	var b strings.Builder
	b.WriteString(x.msg)
	for _, f := range x.fields {
		switch f.key {
		case FieldInvocationID:
			if v, ok := f.val.(string); ok {
				log.InvocationID = v
				continue
			}
		case FieldCategory:
			if v, ok := f.val.(string); ok {
				log.Category = v
				continue
			}
		}
		if b.Len() != 0 {
			b.WriteByte(' ')
		}
		_, _ = fmt.Fprintf(&b, "%s=%v", f.key, f.val)
	}
	log.Message = b.String()

	if strings.HasSuffix(log.Category, UserCategorySuffix) {
		log.LogCategory = wire.LogCategoryUser
	}

	if x.err != nil {
		log.Exception = &wire.RpcException{
			Message: x.err.Error(),
			Type:    fmt.Sprintf("%T", x.err),
		}
	}

	return &log
}
