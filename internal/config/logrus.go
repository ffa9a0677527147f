package config

import "github.com/sirupsen/logrus"

// NewLogrusLogger builds the plain structured logger for the Stream Bus client, a
// component with no context-scoped request/consume loop of its own, matching other_examples' logrus.New()+JSONFormatter convention rather than
// klog's contextual style used everywhere else in this tree.
func NewLogrusLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return logger
}
