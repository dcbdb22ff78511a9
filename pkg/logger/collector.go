package logger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Publisher ships collected batches, e.g. to the Kafka ops topic.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	Service        string        // stamped on every batch
	TimeInterval   time.Duration // flush interval (e.g., 30s)
	CountThreshold int           // distinct groups before an early flush (e.g., 100)
	Topic          string        // topic to send batches to
	Publisher      Publisher
	Warnings       bool // collect warn entries as well as errors
}

// AggregatedLogEntry is one group of repeated log lines. Lines are grouped by
// level, caller, message and the stream they concern; Fields holds the most
// recent occurrence.
type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller"`
	Stream    string                 `json:"stream,omitempty"`
	Exchange  string                 `json:"exchange,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
	Fields    map[string]interface{} `json:"fields"`
}

// LogBatch is the payload published on every flush. Entries are ordered by
// count, most frequent first.
type LogBatch struct {
	Service   string               `json:"service"`
	Host      string               `json:"host"`
	FlushedAt time.Time            `json:"flushed_at"`
	Entries   []AggregatedLogEntry `json:"entries"`
}

type LogCollector struct {
	config *CollectionConfig
	host   string
	groups map[string]*AggregatedLogEntry
	mutex  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	if config.TimeInterval <= 0 {
		config.TimeInterval = 30 * time.Second
	}
	if config.CountThreshold <= 0 {
		config.CountThreshold = 100
	}
	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())

	c := &LogCollector{
		config: config,
		host:   host,
		groups: make(map[string]*AggregatedLogEntry),
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.periodicFlush()
	return c
}

func (c *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	if level == "warn" && !c.config.Warnings {
		return
	}
	now := time.Now()
	stream, exchange, kind := streamOf(fields)
	key := strings.Join([]string{level, caller, message, stream, exchange, kind}, "\x1f")

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e, ok := c.groups[key]; ok {
		e.Count++
		e.LastSeen = now
		e.Fields = fields
	} else {
		c.groups[key] = &AggregatedLogEntry{
			Level:     level,
			Message:   message,
			Caller:    caller,
			Stream:    stream,
			Exchange:  exchange,
			Kind:      kind,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
			Fields:    fields,
		}
	}

	if len(c.groups) >= c.config.CountThreshold {
		c.flushLocked()
	}
}

// streamOf extracts the pair@timeframe a line is about, plus exchange and
// fetch error kind when present.
func streamOf(fields map[string]interface{}) (stream, exchange, kind string) {
	str := func(k string) string {
		if v, ok := fields[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	pair, tf := str("pair"), str("timeframe")
	switch {
	case pair != "" && tf != "":
		stream = pair + "@" + tf
	case str("key") != "":
		stream = str("key")
	default:
		stream = pair
	}
	return stream, str("exchange"), str("kind")
}

func (c *LogCollector) periodicFlush() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			c.flushLocked()
			c.mutex.Unlock()
		case <-c.ctx.Done():
			c.mutex.Lock()
			c.flushLocked()
			c.mutex.Unlock()
			return
		}
	}
}

func (c *LogCollector) flushLocked() {
	if len(c.groups) == 0 {
		return
	}
	batch := LogBatch{
		Service:   c.config.Service,
		Host:      c.host,
		FlushedAt: time.Now().UTC(),
		Entries:   make([]AggregatedLogEntry, 0, len(c.groups)),
	}
	for _, e := range c.groups {
		batch.Entries = append(batch.Entries, *e)
	}
	sort.Slice(batch.Entries, func(i, j int) bool {
		a, b := batch.Entries[i], batch.Entries[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.FirstSeen.Before(b.FirstSeen)
	})
	c.groups = make(map[string]*AggregatedLogEntry)
	if c.config.Publisher == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.config.Publisher.PublishMessage(ctx, c.config.Topic, batch); err != nil {
			fmt.Fprintf(os.Stderr, "log collector: publish to %s failed: %v\n", c.config.Topic, err)
		}
	}()
}

func (c *LogCollector) Close() {
	c.cancel()
	c.wg.Wait()
}
