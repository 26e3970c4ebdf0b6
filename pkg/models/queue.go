package models

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownQueue = errors.New("unknown queue")

// QueueName identifies one of the fixed job queues. The set is closed:
// anything outside it is rejected by ParseQueueName.
type QueueName string

const (
	QueueIndexDocuments   QueueName = "index_documents"
	QueueUpdateIndexes    QueueName = "update_indexes"
	QueueDeleteDocuments  QueueName = "delete_documents"
	QueueConfigureIndexes QueueName = "configure_indexes"
	QueueReindexAll       QueueName = "reindex_all"
	QueueDefault          QueueName = "default"
)

var queuePriorities = map[QueueName]int{
	QueueReindexAll:       1,
	QueueConfigureIndexes: 2,
	QueueDeleteDocuments:  3,
	QueueUpdateIndexes:    4,
	QueueIndexDocuments:   5,
	QueueDefault:          10,
}

var queueDescriptions = map[QueueName]string{
	QueueIndexDocuments:   "Index new documents",
	QueueUpdateIndexes:    "Update existing indexes",
	QueueDeleteDocuments:  "Delete documents",
	QueueConfigureIndexes: "Configure index settings",
	QueueReindexAll:       "Full reindex of all data",
	QueueDefault:          "Default queue",
}

// AllQueues returns every queue in declaration order.
func AllQueues() []QueueName {
	return []QueueName{
		QueueIndexDocuments,
		QueueUpdateIndexes,
		QueueDeleteDocuments,
		QueueConfigureIndexes,
		QueueReindexAll,
		QueueDefault,
	}
}

// QueuesByPriority returns the given queues ordered highest priority first.
// A nil argument means all queues.
func QueuesByPriority(queues []QueueName) []QueueName {
	if queues == nil {
		queues = AllQueues()
	}
	out := make([]QueueName, len(queues))
	copy(out, queues)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority() < out[j].Priority()
	})
	return out
}

// ParseQueueName maps a canonical key to its queue. Matching is exact and case-sensitive.
func ParseQueueName(s string) (QueueName, error) {
	q := QueueName(s)
	if _, ok := queuePriorities[q]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
	}
	return q, nil
}

func (q QueueName) String() string {
	return string(q)
}

// Priority returns the polling priority. Lower values are served first.
func (q QueueName) Priority() int {
	if p, ok := queuePriorities[q]; ok {
		return p
	}
	return queuePriorities[QueueDefault]
}

func (q QueueName) Description() string {
	return queueDescriptions[q]
}

func (q QueueName) IsValid() bool {
	_, ok := queuePriorities[q]
	return ok
}

// UnmarshalText rejects unknown names so JSON and env decoding cannot produce one.
func (q *QueueName) UnmarshalText(text []byte) error {
	parsed, err := ParseQueueName(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
