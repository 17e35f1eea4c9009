package mongodb

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/DEEJ4Y/quartz"
)

// Documents are the models' field maps plus the _id and a few denormalized
// fields used by queries.
const (
	fieldID             = "_id"
	fieldJobID          = "job_id"
	fieldState          = "state"
	fieldGroup          = "group"
	fieldNextFireTime   = "next_fire_time"
	fieldPriority       = "priority"
	fieldCalendarName   = "calendar_name"
	fieldFireInstanceID = "fire_instance_id"
	fieldInstanceID     = "instance_id"
	fieldJobDataMap     = "job_data_map"
)

func encodeJob(job *quartz.JobDetail) bson.M {
	doc := bson.M(job.Values())
	doc[fieldID] = job.Key.String()
	return doc
}

func encodeTrigger(tr *quartz.Trigger) bson.M {
	doc := bson.M(tr.Values())
	doc[fieldID] = tr.Key.String()
	doc[fieldJobID] = tr.JobKey.String()
	return doc
}

func encodeCalendar(name string, cal quartz.Calendar) bson.M {
	return bson.M{fieldID: name, "calendar": cal.Values()}
}

func encodeFired(f *quartz.FiredTrigger) bson.M {
	doc := bson.M(f.Values())
	doc[fieldID] = f.FireInstanceID
	doc[fieldJobID] = f.JobKey.String()
	return doc
}

func decodeJob(doc bson.M) (*quartz.JobDetail, error) {
	return quartz.JobDetailFromValues(normalizeMap(doc))
}

func decodeTrigger(doc bson.M) (*quartz.Trigger, error) {
	return quartz.TriggerFromValues(normalizeMap(doc))
}

func decodeCalendar(doc bson.M) (quartz.Calendar, error) {
	m, ok := normalize(doc["calendar"]).(map[string]interface{})
	if !ok {
		return nil, quartz.InvalidArgument("calendar document %v has no calendar", doc[fieldID])
	}
	return quartz.CalendarFromValues(m)
}

func decodeFired(doc bson.M) (*quartz.FiredTrigger, error) {
	return quartz.FiredTriggerFromValues(normalizeMap(doc))
}

func normalizeMap(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = normalize(v)
	}
	return out
}

// normalize turns driver types into the plain Go values the model decoders
// accept.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case primitive.DateTime:
		return x.Time().UTC()
	case int32:
		return int64(x)
	case primitive.A:
		return normalizeSlice(x)
	case []interface{}:
		return normalizeSlice(x)
	case primitive.M:
		return normalizeMap(x)
	case map[string]interface{}:
		return normalizeMap(x)
	case primitive.D:
		return normalizeMap(x.Map())
	}
	return v
}

func normalizeSlice(in []interface{}) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = normalize(v)
	}
	return out
}
