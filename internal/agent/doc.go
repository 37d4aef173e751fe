// Package agent runs data-source agents and decodes their output.
//
// An Agent produces a finite batch of raw items. The subprocess implementation
// (Command) speaks the stdout contract: exit 0 with either a JSON array of
// objects or a single line naming a file that holds such an array; any other
// exit status is a failure with diagnostics on stderr.
package agent
