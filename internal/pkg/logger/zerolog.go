package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Init(environment string, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout

	if environment == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger().
		Level(level)
}

func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func WithRequestID(requestID string) zerolog.Logger {
	return log.With().Str("request_id", requestID).Logger()
}

func WithUserID(userID string) zerolog.Logger {
	return log.With().Str("user_id", userID).Logger()
}

func WithWorkflowID(workflowID string) zerolog.Logger {
	return log.With().Str("workflow_id", workflowID).Logger()
}

func WithExecutionID(executionID string) zerolog.Logger {
	return log.With().Str("execution_id", executionID).Logger()
}

func WithWorkerID(workerID string) zerolog.Logger {
	return log.With().Str("worker_id", workerID).Logger()
}
