// Package elm speaks the ELM327 AT-command protocol: it writes a request,
// reads the reply up to the '>' prompt and classifies adapter faults.
package elm

const (
	// Terminal control
	CR     = "\r"
	Prompt = '>'

	// Adapter directives
	CmdReset          = "AT Z"
	CmdEchoOff        = "AT E0"
	CmdLineFeedOff    = "AT L0"
	CmdSelectProtocol = "AT SP "
	CmdTimeout        = "AT ST "
	CmdAdaptiveTiming = "AT AT "
	CmdSetHeader      = "AT SH "

	// ProtocolAuto lets the adapter detect the vehicle bus on its own.
	ProtocolAuto = "0"

	// DefaultHeader is the functional broadcast address used when a
	// request names no ECU.
	DefaultHeader = "7DF"
)

// Adapter replies, after whitespace has been removed.
const (
	RespSearching       = "SEARCHING"
	RespNoData          = "NODATA"
	RespStopped         = "STOPPED"
	RespUnableToConnect = "UNABLETOCONNECT"
	RespError           = "ERROR"
	RespUnknown         = "?"
)
