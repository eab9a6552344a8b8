package entity

import "fmt"

// Mode is the operational mode dimension of a signal.
type Mode string

const (
	ModeExecute  Mode = "EXECUTE"
	ModeBuild    Mode = "BUILD"
	ModeAnalyze  Mode = "ANALYZE"
	ModeMaintain Mode = "MAINTAIN"
	ModeAssist   Mode = "ASSIST"
)

// Genre is the communicative intent dimension of a signal.
type Genre string

const (
	GenreDirect  Genre = "DIRECT"
	GenreInform  Genre = "INFORM"
	GenreCommit  Genre = "COMMIT"
	GenreDecide  Genre = "DECIDE"
	GenreExpress Genre = "EXPRESS"
)

// SignalType is the content category dimension of a signal.
type SignalType string

const (
	TypeQuestion   SignalType = "question"
	TypeRequest    SignalType = "request"
	TypeIssue      SignalType = "issue"
	TypeScheduling SignalType = "scheduling"
	TypeSummary    SignalType = "summary"
	TypeReport     SignalType = "report"
	TypeGeneral    SignalType = "general"
)

// Format is the envelope shape of the inbound message, derived from channel
// metadata rather than from content.
type Format string

const (
	FormatMessage      Format = "message"
	FormatCommand      Format = "command"
	FormatDocument     Format = "document"
	FormatNotification Format = "notification"
)

// Signal is the 5-tuple classification attached to every inbound message.
// Signals are value types and never mutated after classification: pass them
// by value, copy to modify.
type Signal struct {
	Mode   Mode       `json:"mode"`
	Genre  Genre      `json:"genre"`
	Type   SignalType `json:"type"`
	Format Format     `json:"format"`
	Weight float64    `json:"weight"`
}

// String renders the tuple for logs.
func (s Signal) String() string {
	return fmt.Sprintf("%s/%s/%s/%s w=%.2f", s.Mode, s.Genre, s.Type, s.Format, s.Weight)
}

// Valid reports whether every dimension holds a known value and weight is in [0,1].
func (s Signal) Valid() bool {
	switch s.Mode {
	case ModeExecute, ModeBuild, ModeAnalyze, ModeMaintain, ModeAssist:
	default:
		return false
	}
	switch s.Genre {
	case GenreDirect, GenreInform, GenreCommit, GenreDecide, GenreExpress:
	default:
		return false
	}
	switch s.Type {
	case TypeQuestion, TypeRequest, TypeIssue, TypeScheduling, TypeSummary, TypeReport, TypeGeneral:
	default:
		return false
	}
	switch s.Format {
	case FormatMessage, FormatCommand, FormatDocument, FormatNotification:
	default:
		return false
	}
	return s.Weight >= 0 && s.Weight <= 1
}
