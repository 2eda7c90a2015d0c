package houndtrace

// Version is the tracer version reported to the agent and in the
// startup log.
const Version = "0.1.0"
