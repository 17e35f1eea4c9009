package rpc

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/DEEJ4Y/quartz"
)

// GenericClass names exceptions whose class is not registered.
const GenericClass = "Exception"

// Exception is an error that crossed the wire. Known classes keep matching
// their sentinel with errors.Is on the receiving side.
type Exception struct {
	Class   string
	Message string
	Code    int

	// Raw is the undecoded payload of an exception of unknown class.
	Raw map[string]interface{}

	kinds []error
}

// Error implements error.
func (e *Exception) Error() string {
	return e.Class + ": " + e.Message
}

// Is matches the quartz sentinel of the exception's class.
func (e *Exception) Is(target error) bool {
	for _, k := range e.kinds {
		if k == target {
			return true
		}
	}
	return false
}

// Values is the {class, message, code} payload.
func (e *Exception) Values() map[string]interface{} {
	return map[string]interface{}{"class": e.Class, "message": e.Message, "code": e.Code}
}

// ExceptionClass binds a class name to the error kinds it stands for. The
// first kind decides which errors are encoded with this class.
type ExceptionClass struct {
	Name  string
	Code  int
	Kinds []error
}

// ExceptionRegistry resolves classes in registration order.
type ExceptionRegistry struct {
	mu      sync.RWMutex
	classes []ExceptionClass
}

// NewExceptionRegistry creates an empty registry; see DefaultExceptions.
func NewExceptionRegistry() *ExceptionRegistry {
	return &ExceptionRegistry{}
}

// DefaultExceptions covers the scheduler's error kinds. More specific kinds
// come first.
func DefaultExceptions() *ExceptionRegistry {
	r := NewExceptionRegistry()
	r.Register(ExceptionClass{Name: "LockTimeout", Code: 503, Kinds: []error{quartz.ErrLockTimeout, quartz.ErrStore}})
	r.Register(ExceptionClass{Name: "StoreError", Code: 503, Kinds: []error{quartz.ErrStore}})
	r.Register(ExceptionClass{Name: "ScheduleError", Code: 400, Kinds: []error{quartz.ErrSchedule, quartz.ErrInvalidArgument}})
	r.Register(ExceptionClass{Name: "InvalidArgument", Code: 400, Kinds: []error{quartz.ErrInvalidArgument}})
	r.Register(ExceptionClass{Name: "NotFound", Code: 404, Kinds: []error{quartz.ErrNotFound}})
	r.Register(ExceptionClass{Name: "ObjectAlreadyExists", Code: 409, Kinds: []error{quartz.ErrObjectAlreadyExists}})
	r.Register(ExceptionClass{Name: "Timeout", Code: 504, Kinds: []error{quartz.ErrTimeout}})
	r.Register(ExceptionClass{Name: "SchedulerShutdown", Code: 503, Kinds: []error{quartz.ErrSchedulerShutdown}})
	r.Register(ExceptionClass{Name: "JobExecutionError", Code: 500, Kinds: []error{quartz.ErrJobExecution}})
	return r
}

// Register adds or replaces an exception class.
func (r *ExceptionRegistry) Register(c ExceptionClass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, c)
}

func (r *ExceptionRegistry) byName(name string) (ExceptionClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.classes {
		if c.Name == name {
			return c, true
		}
	}
	return ExceptionClass{}, false
}

// Encode classifies err. An *Exception keeps its class so errors relayed
// between processes are not renamed.
func (r *ExceptionRegistry) Encode(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.classes {
		if len(c.Kinds) > 0 && errors.Is(err, c.Kinds[0]) {
			return &Exception{Class: c.Name, Message: err.Error(), Code: c.Code, kinds: c.Kinds}
		}
	}
	return &Exception{Class: GenericClass, Message: err.Error(), Code: 500}
}

// Decode rebuilds an exception from its payload. Unknown classes become a
// GenericClass exception carrying the payload in Raw.
func (r *ExceptionRegistry) Decode(payload map[string]interface{}) *Exception {
	name, _ := payload["class"].(string)
	message, _ := payload["message"].(string)
	code := toInt(payload["code"])
	if c, ok := r.byName(name); ok {
		return &Exception{Class: c.Name, Message: message, Code: code, kinds: c.Kinds}
	}
	if name == GenericClass {
		return &Exception{Class: GenericClass, Message: message, Code: code}
	}
	return &Exception{Class: GenericClass, Message: fmt.Sprintf("%s: %s", name, message), Code: code, Raw: payload}
}

func toInt(v interface{}) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case interface{ Int64() (int64, error) }:
		n, _ := x.Int64()
		return int(n)
	}
	return 0
}
