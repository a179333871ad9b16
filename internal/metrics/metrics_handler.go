package metrics

import (
	"time"

	"quantfeed/internal/stream"
	"quantfeed/logger"
)

// Metric represents a structured metric event emitted within the application.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes structured metric events for downstream processing.
type MetricHandler func(Metric)

var metricTopic = stream.NewTopic[Metric](func(r any) {
	logger.GetLogger().WithComponent("metrics").WithField("panic", r).Error("metric handler panicked")
})

// RegisterMetricHandler subscribes handler to every emitted metric and
// returns the func that removes it. Handlers run on the emitting goroutine.
func RegisterMetricHandler(handler MetricHandler) func() {
	if handler == nil {
		return func() {}
	}
	return metricTopic.On(handler)
}

// recordMetric logs the metric and hands it to the registered handlers. A
// metric without a name, or one whose feature is switched off, is ignored.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" || !metricAllowed(name) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	userFields := cloneFields(fields)
	logFields := cloneFields(userFields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Info("metric")

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}
	metricTopic.Publish(metric)
	return metric, true
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
