// Package dag holds the job dependency graph of a pipeline. It answers the
// structural questions the builder and scheduler ask: does the graph contain
// a cycle, in which order can jobs start, and which jobs are downstream of a
// failure.
package dag
