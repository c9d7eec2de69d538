/*
Package log provides structured logging for the client runtime using
zerolog.

JSON-structured logs with component-specific child loggers and
configurable level filtering: a single global Logger initialized via
Init, and a Fields/With pair that attaches whichever of component,
module instance, operation id, and transaction id a call site has on
hand, instead of chaining a separate With* call per field.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.With(log.Fields{Component: "executor", OperationID: opID.ShortString()}).Info().Msg("transition applied")
*/
package log
