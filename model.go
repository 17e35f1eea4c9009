package quartz

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Model is a domain object that can be stored or sent over the wire as a flat
// field map. Values always carries the "instance" discriminator.
type Model interface {
	Instance() string
	Values() map[string]interface{}
}

// InstanceField is the discriminator field of every encoded model.
const InstanceField = "instance"

// ModelFactory rebuilds a model from its field map.
type ModelFactory func(v map[string]interface{}) (Model, error)

// ModelRegistry resolves discriminators to factories. Unknown discriminators
// fail with ErrInvalidArgument.
type ModelRegistry struct {
	mu        sync.RWMutex
	factories map[string]ModelFactory
}

// NewModelRegistry creates an empty registry; see DefaultModels.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{factories: make(map[string]ModelFactory)}
}

// DefaultModels returns a registry with every model of this package.
func DefaultModels() *ModelRegistry {
	r := NewModelRegistry()
	r.Register("key", func(v map[string]interface{}) (Model, error) { return KeyFromValues(v) })
	r.Register("job_detail", func(v map[string]interface{}) (Model, error) { return JobDetailFromValues(v) })
	r.Register("fired_trigger", func(v map[string]interface{}) (Model, error) { return FiredTriggerFromValues(v) })
	r.Register("outcome", func(v map[string]interface{}) (Model, error) { return OutcomeFromValues(v) })
	for _, name := range []string{"simple_trigger", "cron_trigger", "calendar_interval_trigger", "daily_time_interval_trigger"} {
		r.Register(name, func(v map[string]interface{}) (Model, error) { return TriggerFromValues(v) })
	}
	for _, name := range []string{"base_calendar", "holiday_calendar", "weekly_calendar", "monthly_calendar", "annual_calendar", "daily_calendar", "cron_calendar"} {
		r.Register(name, func(v map[string]interface{}) (Model, error) { return CalendarFromValues(v) })
	}
	return r
}

// Register adds or replaces the factory for instance.
func (r *ModelRegistry) Register(instance string, f ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[instance] = f
}

// Known reports whether instance has a factory.
func (r *ModelRegistry) Known(instance string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[instance]
	return ok
}

// Decode rebuilds the model named by the map's discriminator.
func (r *ModelRegistry) Decode(v map[string]interface{}) (Model, error) {
	instance, _ := v[InstanceField].(string)
	r.mu.RLock()
	f, ok := r.factories[instance]
	r.mu.RUnlock()
	if !ok {
		return nil, invalidArgument("unknown model instance %q", instance)
	}
	return f(v)
}

// values reads typed fields out of a decoded map. Numbers may arrive as any Go
// numeric type depending on the decoder.
type values map[string]interface{}

func (v values) str(k string) (string, error) {
	switch x := v[k].(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	}
	return "", invalidArgument("field %q: expected string, got %T", k, v[k])
}

func (v values) int64(k string) (int64, error) {
	switch x := v[k].(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, invalidArgument("field %q: expected integer, got %v", k, x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, invalidArgument("field %q: expected integer, got %q", k, x)
		}
		return n, nil
	}
	return 0, invalidArgument("field %q: expected integer, got %T", k, v[k])
}

func (v values) int(k string) (int, error) {
	n, err := v.int64(k)
	return int(n), err
}

func (v values) boolean(k string) (bool, error) {
	switch x := v[k].(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	}
	return false, invalidArgument("field %q: expected bool, got %T", k, v[k])
}

func (v values) time(k string) (*time.Time, error) {
	switch x := v[k].(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &x, nil
	case *time.Time:
		return copyTime(x), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, invalidArgument("field %q: %v", k, err)
		}
		return &t, nil
	}
	return nil, invalidArgument("field %q: expected time, got %T", k, v[k])
}

func (v values) list(k string) ([]interface{}, error) {
	switch x := v[k].(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return x, nil
	case []int:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case []time.Time:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	}
	return nil, invalidArgument("field %q: expected list, got %T", k, v[k])
}

func (v values) mapping(k string) (map[string]interface{}, error) {
	switch x := v[k].(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		return x, nil
	}
	return nil, invalidArgument("field %q: expected map, got %T", k, v[k])
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// Key

// Instance is the storage discriminator.
func (k Key) Instance() string { return "key" }

// Values flattens the key for storage and the wire.
func (k Key) Values() map[string]interface{} {
	return map[string]interface{}{InstanceField: k.Instance(), "name": k.Name, "group": k.Group}
}

// KeyFromValues decodes a key; the group defaults to DefaultGroup.
func KeyFromValues(m map[string]interface{}) (Key, error) {
	v := values(m)
	name, err1 := v.str("name")
	group, err2 := v.str("group")
	if err := firstErr(err1, err2); err != nil {
		return Key{}, err
	}
	return NewKey(name, group)
}

func keyFrom(v values, prefix string) (Key, error) {
	name, err1 := v.str(prefix + "name")
	group, err2 := v.str(prefix + "group")
	if err := firstErr(err1, err2); err != nil {
		return Key{}, err
	}
	return NewKey(name, group)
}

// JobDetail

// Values flattens the job for storage and the wire.
func (j *JobDetail) Values() map[string]interface{} {
	return map[string]interface{}{
		InstanceField:                      j.Instance(),
		"name":                             j.Key.Name,
		"group":                            j.Key.Group,
		"description":                      j.Description,
		"job_class":                        j.JobClass,
		"durable":                          j.Durable,
		"requests_recovery":                j.RequestsRecovery,
		"concurrent_execution_disallowed":  j.ConcurrentExecutionDisallowed,
		"persist_job_data_after_execution": j.PersistJobDataAfterExecution,
		"job_data_map":                     copyMap(j.JobDataMap),
	}
}

// JobDetailFromValues is the inverse of Values.
func JobDetailFromValues(m map[string]interface{}) (*JobDetail, error) {
	v := values(m)
	key, err := keyFrom(v, "")
	if err != nil {
		return nil, err
	}
	j := &JobDetail{Key: key}
	var errs [7]error
	j.Description, errs[0] = v.str("description")
	j.JobClass, errs[1] = v.str("job_class")
	j.Durable, errs[2] = v.boolean("durable")
	j.RequestsRecovery, errs[3] = v.boolean("requests_recovery")
	j.ConcurrentExecutionDisallowed, errs[4] = v.boolean("concurrent_execution_disallowed")
	j.PersistJobDataAfterExecution, errs[5] = v.boolean("persist_job_data_after_execution")
	j.JobDataMap, errs[6] = v.mapping("job_data_map")
	if err := firstErr(errs[:]...); err != nil {
		return nil, err
	}
	return j, nil
}

// Trigger

// Values flattens the trigger and its schedule variant.
func (tr *Trigger) Values() map[string]interface{} {
	m := map[string]interface{}{
		InstanceField:         tr.Instance(),
		"name":                tr.Key.Name,
		"group":               tr.Key.Group,
		"job_name":            tr.JobKey.Name,
		"job_group":           tr.JobKey.Group,
		"description":         tr.Description,
		"calendar_name":       tr.CalendarName,
		"start_time":          tr.StartTime,
		"end_time":            timeValue(tr.EndTime),
		"next_fire_time":      timeValue(tr.NextFireTime),
		"previous_fire_time":  timeValue(tr.PreviousFireTime),
		"priority":            tr.Priority,
		"misfire_instruction": int(tr.MisfireInstruction),
		"state":               string(tr.State),
		"job_data_map":        copyMap(tr.JobDataMap),
		"fire_instance_id":    tr.FireInstanceID,
		"error_message":       tr.ErrorMessage,
		"error_count":         tr.ErrorCount,
		"times_triggered":     tr.TimesTriggered,
	}
	if tr.Schedule != nil {
		for k, val := range tr.Schedule.values() {
			m[k] = val
		}
	}
	return m
}

// TriggerFromValues rebuilds a trigger, choosing the schedule by its instance tag.
func TriggerFromValues(m map[string]interface{}) (*Trigger, error) {
	v := values(m)
	instance, _ := v.str(InstanceField)
	sched, err := scheduleFromValues(instance, v)
	if err != nil {
		return nil, err
	}
	key, err := keyFrom(v, "")
	if err != nil {
		return nil, err
	}
	jobKey, err := keyFrom(v, "job_")
	if err != nil {
		return nil, err
	}

	tr := &Trigger{Key: key, JobKey: jobKey, Schedule: sched}
	var (
		errs  [15]error
		start *time.Time
		state string
		mi    int
	)
	tr.Description, errs[0] = v.str("description")
	tr.CalendarName, errs[1] = v.str("calendar_name")
	start, errs[2] = v.time("start_time")
	tr.EndTime, errs[3] = v.time("end_time")
	tr.NextFireTime, errs[4] = v.time("next_fire_time")
	tr.PreviousFireTime, errs[5] = v.time("previous_fire_time")
	tr.Priority, errs[6] = v.int("priority")
	mi, errs[7] = v.int("misfire_instruction")
	state, errs[8] = v.str("state")
	tr.JobDataMap, errs[9] = v.mapping("job_data_map")
	tr.FireInstanceID, errs[10] = v.str("fire_instance_id")
	tr.ErrorMessage, errs[11] = v.str("error_message")
	tr.ErrorCount, errs[12] = v.int("error_count")
	tr.TimesTriggered, errs[13] = v.int("times_triggered")
	if err := firstErr(errs[:]...); err != nil {
		return nil, err
	}
	if start != nil {
		tr.StartTime = *start
	}
	tr.MisfireInstruction = MisfireInstruction(mi)
	tr.State = TriggerState(state)
	if tr.State == "" {
		tr.State = StateWaiting
	}
	return tr, nil
}

func (s *SimpleSchedule) values() map[string]interface{} {
	return map[string]interface{}{
		"repeat_interval": s.RepeatInterval.Milliseconds(),
		"repeat_count":    s.RepeatCount,
	}
}

func (s *CronSchedule) values() map[string]interface{} {
	return map[string]interface{}{"cron_expression": s.Expression, "time_zone": s.TimeZone}
}

func (s *CalendarIntervalSchedule) values() map[string]interface{} {
	return map[string]interface{}{
		"repeat_interval":      s.Interval,
		"repeat_interval_unit": string(s.Unit),
		"time_zone":            s.TimeZone,
	}
}

func (s *DailyTimeIntervalSchedule) values() map[string]interface{} {
	days := make([]interface{}, len(s.DaysOfWeek))
	for i, d := range s.DaysOfWeek {
		days[i] = int(d)
	}
	return map[string]interface{}{
		"start_time_of_day":    s.StartTimeOfDay.String(),
		"end_time_of_day":      s.EndTimeOfDay.String(),
		"repeat_interval":      s.Interval,
		"repeat_interval_unit": string(s.Unit),
		"days_of_week":         days,
		"repeat_count":         s.RepeatCount,
		"time_zone":            s.TimeZone,
	}
}

func scheduleFromValues(instance string, v values) (Schedule, error) {
	switch instance {
	case "simple_trigger":
		ms, err1 := v.int64("repeat_interval")
		count, err2 := v.int("repeat_count")
		if err := firstErr(err1, err2); err != nil {
			return nil, err
		}
		return &SimpleSchedule{RepeatInterval: time.Duration(ms) * time.Millisecond, RepeatCount: count}, nil

	case "cron_trigger":
		expr, err1 := v.str("cron_expression")
		tz, err2 := v.str("time_zone")
		if err := firstErr(err1, err2); err != nil {
			return nil, err
		}
		return NewCronSchedule(expr, tz)

	case "calendar_interval_trigger":
		interval, err1 := v.int("repeat_interval")
		unit, err2 := v.str("repeat_interval_unit")
		tz, err3 := v.str("time_zone")
		if err := firstErr(err1, err2, err3); err != nil {
			return nil, err
		}
		return &CalendarIntervalSchedule{Interval: interval, Unit: IntervalUnit(unit), TimeZone: tz}, nil

	case "daily_time_interval_trigger":
		s := &DailyTimeIntervalSchedule{}
		var errs [7]error
		var startTOD, endTOD, unit string
		var days []interface{}
		startTOD, errs[0] = v.str("start_time_of_day")
		endTOD, errs[1] = v.str("end_time_of_day")
		s.Interval, errs[2] = v.int("repeat_interval")
		unit, errs[3] = v.str("repeat_interval_unit")
		days, errs[4] = v.list("days_of_week")
		s.RepeatCount, errs[5] = v.int("repeat_count")
		s.TimeZone, errs[6] = v.str("time_zone")
		if err := firstErr(errs[:]...); err != nil {
			return nil, err
		}
		s.Unit = IntervalUnit(unit)
		var err error
		if s.StartTimeOfDay, err = ParseTimeOfDay(startTOD); err != nil {
			return nil, err
		}
		if s.EndTimeOfDay, err = ParseTimeOfDay(endTOD); err != nil {
			return nil, err
		}
		for i := range days {
			d, err := values{"d": days[i]}.int("d")
			if err != nil {
				return nil, err
			}
			s.DaysOfWeek = append(s.DaysOfWeek, time.Weekday(d))
		}
		return s, nil
	}
	return nil, invalidArgument("unknown trigger instance %q", instance)
}

// Calendars

// Values flattens the base calendar for storage and the wire.
func (c *BaseCalendar) Values() map[string]interface{} {
	return c.baseValues(c.Instance())
}

func (c *BaseCalendar) baseValues(instance string) map[string]interface{} {
	var base interface{}
	if c.Base != nil {
		base = c.Base.Values()
	}
	return map[string]interface{}{
		InstanceField:   instance,
		"description":   c.Description,
		"time_zone":     c.TimeZone,
		"base_calendar": base,
	}
}

// Values flattens the holiday calendar for storage and the wire.
func (c *HolidayCalendar) Values() map[string]interface{} {
	m := c.baseValues(c.Instance())
	dates := make([]interface{}, 0, len(c.dates))
	for _, d := range c.ExcludedDates() {
		dates = append(dates, d)
	}
	m["excluded_dates"] = dates
	return m
}

// Values flattens the weekly calendar for storage and the wire.
func (c *WeeklyCalendar) Values() map[string]interface{} {
	m := c.baseValues(c.Instance())
	days := []interface{}{}
	for _, d := range c.ExcludedDays() {
		days = append(days, int(d))
	}
	m["excluded_days"] = days
	return m
}

// Values flattens the monthly calendar for storage and the wire.
func (c *MonthlyCalendar) Values() map[string]interface{} {
	m := c.baseValues(c.Instance())
	days := []interface{}{}
	for _, d := range c.ExcludedDays() {
		days = append(days, d)
	}
	m["excluded_days"] = days
	return m
}

// Values flattens the annual calendar for storage and the wire.
func (c *AnnualCalendar) Values() map[string]interface{} {
	m := c.baseValues(c.Instance())
	days := make([]string, 0, len(c.days))
	for k := range c.days {
		days = append(days, fmt.Sprintf("%02d-%02d", k[0], k[1]))
	}
	sort.Strings(days)
	list := make([]interface{}, len(days))
	for i := range days {
		list[i] = days[i]
	}
	m["excluded_days"] = list
	return m
}

// Values flattens the daily calendar for storage and the wire.
func (c *DailyCalendar) Values() map[string]interface{} {
	m := c.baseValues(c.Instance())
	m["range_start"] = c.Start.String()
	m["range_end"] = c.End.String()
	m["invert"] = c.Invert
	return m
}

// Values flattens the cron calendar for storage and the wire.
func (c *CronCalendar) Values() map[string]interface{} {
	m := c.baseValues(c.Instance())
	m["cron_expression"] = c.expression
	return m
}

// CalendarFromValues rebuilds a calendar chain.
func CalendarFromValues(m map[string]interface{}) (Calendar, error) {
	v := values(m)
	instance, _ := v.str(InstanceField)
	desc, err1 := v.str("description")
	tz, err2 := v.str("time_zone")
	baseValues, err3 := v.mapping("base_calendar")
	if err := firstErr(err1, err2, err3); err != nil {
		return nil, err
	}
	var base Calendar
	if baseValues != nil {
		b, err := CalendarFromValues(baseValues)
		if err != nil {
			return nil, err
		}
		base = b
	}
	bc := BaseCalendar{Base: base, Description: desc, TimeZone: tz}

	switch instance {
	case "base_calendar":
		return &bc, nil

	case "holiday_calendar":
		c := &HolidayCalendar{BaseCalendar: bc}
		dates, err := v.list("excluded_dates")
		if err != nil {
			return nil, err
		}
		for i := range dates {
			d, err := values{"d": dates[i]}.time("d")
			if err != nil || d == nil {
				return nil, invalidArgument("holiday calendar: bad excluded date %v", dates[i])
			}
			c.AddExcludedDate(*d)
		}
		return c, nil

	case "weekly_calendar":
		c := &WeeklyCalendar{BaseCalendar: bc}
		days, err := v.list("excluded_days")
		if err != nil {
			return nil, err
		}
		for i := range days {
			d, err := values{"d": days[i]}.int("d")
			if err != nil || d < 0 || d > 6 {
				return nil, invalidArgument("weekly calendar: bad day %v", days[i])
			}
			c.SetDayExcluded(time.Weekday(d), true)
		}
		return c, nil

	case "monthly_calendar":
		c := &MonthlyCalendar{BaseCalendar: bc}
		days, err := v.list("excluded_days")
		if err != nil {
			return nil, err
		}
		for i := range days {
			d, err := values{"d": days[i]}.int("d")
			if err != nil {
				return nil, err
			}
			if err := c.SetDayExcluded(d, true); err != nil {
				return nil, err
			}
		}
		return c, nil

	case "annual_calendar":
		c := &AnnualCalendar{BaseCalendar: bc}
		days, err := v.list("excluded_days")
		if err != nil {
			return nil, err
		}
		for i := range days {
			s, _ := days[i].(string)
			var month, day int
			if n, _ := fmt.Sscanf(s, "%d-%d", &month, &day); n != 2 {
				return nil, invalidArgument("annual calendar: bad day %v", days[i])
			}
			c.SetDayExcluded(time.Month(month), day, true)
		}
		return c, nil

	case "daily_calendar":
		start, err1 := v.str("range_start")
		end, err2 := v.str("range_end")
		invert, err3 := v.boolean("invert")
		if err := firstErr(err1, err2, err3); err != nil {
			return nil, err
		}
		s, err := ParseTimeOfDay(start)
		if err != nil {
			return nil, err
		}
		e, err := ParseTimeOfDay(end)
		if err != nil {
			return nil, err
		}
		c, err := NewDailyCalendar(base, s, e)
		if err != nil {
			return nil, err
		}
		c.BaseCalendar = bc
		c.Invert = invert
		return c, nil

	case "cron_calendar":
		expr, err := v.str("cron_expression")
		if err != nil {
			return nil, err
		}
		c, err := NewCronCalendar(base, expr)
		if err != nil {
			return nil, err
		}
		c.BaseCalendar = bc
		return c, nil
	}
	return nil, invalidArgument("unknown calendar instance %q", instance)
}

// FiredTrigger

// Values flattens the fired record for storage and the wire.
func (f *FiredTrigger) Values() map[string]interface{} {
	return map[string]interface{}{
		InstanceField:                     f.Instance(),
		"fire_instance_id":                f.FireInstanceID,
		"instance_id":                     f.InstanceID,
		"trigger_name":                    f.TriggerKey.Name,
		"trigger_group":                   f.TriggerKey.Group,
		"job_name":                        f.JobKey.Name,
		"job_group":                       f.JobKey.Group,
		"priority":                        f.Priority,
		"scheduled_fire_time":             f.ScheduledFireTime,
		"fired_time":                      f.FiredTime,
		"state":                           string(f.State),
		"requests_recovery":               f.RequestsRecovery,
		"concurrent_execution_disallowed": f.ConcurrentExecutionDisallowed,
	}
}

// FiredTriggerFromValues is the inverse of Values.
func FiredTriggerFromValues(m map[string]interface{}) (*FiredTrigger, error) {
	v := values(m)
	f := &FiredTrigger{}
	var (
		errs         [11]error
		sched, fired *time.Time
		state        string
	)
	f.FireInstanceID, errs[0] = v.str("fire_instance_id")
	f.InstanceID, errs[1] = v.str("instance_id")
	f.TriggerKey, errs[2] = keyFrom(v, "trigger_")
	f.JobKey, errs[3] = keyFrom(v, "job_")
	f.Priority, errs[4] = v.int("priority")
	sched, errs[5] = v.time("scheduled_fire_time")
	fired, errs[6] = v.time("fired_time")
	state, errs[7] = v.str("state")
	f.RequestsRecovery, errs[8] = v.boolean("requests_recovery")
	f.ConcurrentExecutionDisallowed, errs[9] = v.boolean("concurrent_execution_disallowed")
	if err := firstErr(errs[:]...); err != nil {
		return nil, err
	}
	if f.FireInstanceID == "" {
		return nil, invalidArgument("fired trigger without fire instance id")
	}
	if sched != nil {
		f.ScheduledFireTime = *sched
	}
	if fired != nil {
		f.FiredTime = *fired
	}
	f.State = FiredState(state)
	return f, nil
}

// Outcome

// Values flattens the outcome for storage and the wire.
func (o *Outcome) Values() map[string]interface{} {
	return map[string]interface{}{
		InstanceField:   o.Instance(),
		"instruction":   int(o.Instruction),
		"error_message": o.ErrorMessage,
		"job_data_map":  copyMap(o.JobDataMap),
	}
}

// OutcomeFromValues is the inverse of Values.
func OutcomeFromValues(m map[string]interface{}) (*Outcome, error) {
	v := values(m)
	instr, err1 := v.int("instruction")
	msg, err2 := v.str("error_message")
	data, err3 := v.mapping("job_data_map")
	if err := firstErr(err1, err2, err3); err != nil {
		return nil, err
	}
	return &Outcome{Instruction: CompletedExecutionInstruction(instr), ErrorMessage: msg, JobDataMap: data}, nil
}
