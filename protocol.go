package sphinxd

import (
	"bytes"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

const (
	MaxKeySize     = 250
	MaxCommandSize = 1 << 12

	MaxRelativeExptime = 60 * 60 * 24 * 30 // 30 days.

	Separator = "\r\n"

	GetCommand      = "get"
	GetsCommand     = "gets"
	SetCommand      = "set"
	AddCommand      = "add"
	ReplaceCommand  = "replace"
	CasCommand      = "cas"
	AppendCommand   = "append"
	PrependCommand  = "prepend"
	DeleteCommand   = "delete"
	IncrCommand     = "incr"
	DecrCommand     = "decr"
	FlushAllCommand = "flush_all"
	VersionCommand  = "version"
	StatsCommand    = "stats"
	QuitCommand     = "quit"

	NoReplyOption = "noreply"

	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	ExistsResponse      = "EXISTS"
	ValueResponse       = "VALUE"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	OkResponse          = "OK"
	StatResponse        = "STAT"
	VersionResponse     = "VERSION"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"

	busyLine       = ServerErrorResponse + " busy" + Separator
	outOfMemLine   = ServerErrorResponse + " out of memory storing object" + Separator
	tooLargeLine   = ServerErrorResponse + " object too large for cache" + Separator
	errorLine      = ErrorResponse + Separator
	nonNumericLine = ClientErrorResponse + " cannot increment or decrement non-numeric value" + Separator
)

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrInvalidOption        = errors.New("invalid option")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrFieldsParseError     = errors.New("fields parse error")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")
	ErrBadDataChunk         = errors.New("bad data chunk")

	separatorBytes = []byte(Separator)
	endBytes       = []byte(EndResponse + Separator)
)

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

func checkKey(p []byte) error {
	if len(p) == 0 {
		return stackerr.Wrap(ErrMoreFieldsRequired)
	}
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

// parseKeyFields splits fields into key, exactly extraRequired extra
// fields, and an optional trailing noreply option.
func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	extra = fields[1:][:extraRequired]
	options := fields[1:][extraRequired:]
	const maxOptions = 1
	if len(options) > maxOptions {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(options) != 0 {
		if string(options[0]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	if err = checkKey(key); err != nil {
		return
	}
	return
}

// parseStorageFields handles the common tail of set/add/replace/
// append/prepend (<key> <flags> <exptime> <bytes> [noreply]) and cas
// (same plus <cas unique> before noreply).
func parseStorageFields(c *command, fields [][]byte, maxItemSize int) (err error) {
	extraRequired := 3
	if c.op == opCas {
		extraRequired = 4
	}
	var extra [][]byte
	c.key, extra, c.noreply, err = parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	flags, ok := parseUint(extra[0])
	if !ok || flags > 1<<32-1 {
		return stackerr.Wrap(ErrFieldsParseError)
	}
	c.flags = uint32(flags)
	c.exptime, ok = parseInt(extra[1])
	if !ok {
		return stackerr.Wrap(ErrFieldsParseError)
	}
	size, ok := parseUint(extra[2])
	if !ok || size > 1<<31-1 {
		return stackerr.Wrap(ErrFieldsParseError)
	}
	c.bytes = int(size)
	if size > uint64(maxItemSize) {
		// c.bytes stays set so the caller can discard the data block
		// that still follows on the wire.
		return stackerr.Wrap(ErrTooLargeItem)
	}
	if c.op == opCas {
		c.cas, ok = parseUint(extra[3])
		if !ok {
			return stackerr.Wrap(ErrFieldsParseError)
		}
	}
	return nil
}

func parseArithFields(c *command, fields [][]byte) (err error) {
	var extra [][]byte
	c.key, extra, c.noreply, err = parseKeyFields(fields, 1)
	if err != nil {
		return
	}
	var ok bool
	c.delta, ok = parseUint(extra[0])
	if !ok {
		return stackerr.Wrap(ErrFieldsParseError)
	}
	return nil
}

// parser turns a byte stream into commands: feed it the unparsed tail
// of a connection buffer and it consumes at most one command per
// call. A storage command spans two calls worth of input (the command
// line, then its data block); the parser carries that state between
// calls.
type parser struct {
	maxItemSize int

	pending  command
	waitData bool
	discard  int // bytes of a rejected item's data block left to skip
}

// parseNext consumes at most one command from the front of buf.
// n is how many bytes were consumed, whatever the outcome.
// ok reports a complete command in cmd; cmd's byte slices point into
// buf and are only valid until buf is recycled.
// clientErr is a protocol-level error the caller should answer with
// CLIENT_ERROR while keeping the connection open; fatal means the
// connection cannot be resynchronized and must be closed after the
// error reply.
// n == 0 with no error means more input is needed.
func (p *parser) parseNext(buf []byte) (cmd command, n int, ok bool, clientErr error, fatal bool) {
	if p.discard > 0 {
		n = len(buf)
		if n > p.discard {
			n = p.discard
		}
		p.discard -= n
		return
	}
	if p.waitData {
		return p.parseData(buf)
	}
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		if len(buf) > MaxCommandSize {
			// The line is unbounded garbage; there is no separator to
			// resynchronize on yet, so the connection is failed.
			clientErr = stackerr.Wrap(ErrTooLargeCommand)
			fatal = true
		}
		return
	}
	n = nl + 1
	line := buf[:nl]
	if len(line) == 0 || line[len(line)-1] != '\r' {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		return
	}
	line = line[:len(line)-1]
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	cmd, clientErr = p.parseCommandFields(fields[0], fields[1:])
	if clientErr != nil {
		if unwrap(clientErr) == ErrTooLargeItem && cmd.bytes > 0 {
			p.discard = cmd.bytes + len(Separator)
		}
		return
	}
	if cmd.op.isStorage() {
		// Data block follows; remember the command and wait for it.
		p.pending = cmd
		p.waitData = true
		cmd = command{}
		return
	}
	ok = true
	return
}

func (p *parser) parseData(buf []byte) (cmd command, n int, ok bool, clientErr error, fatal bool) {
	need := p.pending.bytes + len(Separator)
	if len(buf) < need {
		return
	}
	n = need
	p.waitData = false
	if !bytes.Equal(buf[p.pending.bytes:need], separatorBytes) {
		clientErr = stackerr.Wrap(ErrBadDataChunk)
		return
	}
	cmd = p.pending
	cmd.data = buf[:cmd.bytes]
	p.pending = command{}
	ok = true
	return
}

func (p *parser) parseCommandFields(name []byte, fields [][]byte) (cmd command, clientErr error) {
	switch string(name) { // No allocation.
	case GetCommand, GetsCommand:
		cmd.op = opGet
		if string(name) == GetsCommand {
			cmd.op = opGets
		}
		if len(fields) == 0 {
			clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
			return
		}
		for _, key := range fields {
			if clientErr = checkKey(key); clientErr != nil {
				return
			}
		}
		cmd.keys = fields
	case SetCommand:
		cmd.op = opSet
		clientErr = parseStorageFields(&cmd, fields, p.maxItemSize)
	case AddCommand:
		cmd.op = opAdd
		clientErr = parseStorageFields(&cmd, fields, p.maxItemSize)
	case ReplaceCommand:
		cmd.op = opReplace
		clientErr = parseStorageFields(&cmd, fields, p.maxItemSize)
	case CasCommand:
		cmd.op = opCas
		clientErr = parseStorageFields(&cmd, fields, p.maxItemSize)
	case AppendCommand:
		cmd.op = opAppend
		clientErr = parseStorageFields(&cmd, fields, p.maxItemSize)
	case PrependCommand:
		cmd.op = opPrepend
		clientErr = parseStorageFields(&cmd, fields, p.maxItemSize)
	case DeleteCommand:
		cmd.op = opDelete
		cmd.key, _, cmd.noreply, clientErr = parseKeyFields(fields, 0)
	case IncrCommand:
		cmd.op = opIncr
		clientErr = parseArithFields(&cmd, fields)
	case DecrCommand:
		cmd.op = opDecr
		clientErr = parseArithFields(&cmd, fields)
	case FlushAllCommand:
		cmd.op = opFlushAll
		clientErr = parseFlushAllFields(&cmd, fields)
	case VersionCommand:
		cmd.op = opVersion
	case StatsCommand:
		cmd.op = opStats
	case QuitCommand:
		cmd.op = opQuit
	default:
		cmd.op = opUnknown
	}
	return
}

func parseFlushAllFields(c *command, fields [][]byte) error {
	if len(fields) > 0 && string(fields[len(fields)-1]) == NoReplyOption {
		c.noreply = true
		fields = fields[:len(fields)-1]
	}
	switch len(fields) {
	case 0:
	case 1:
		delay, ok := parseUint(fields[0])
		if !ok {
			return stackerr.Wrap(ErrFieldsParseError)
		}
		c.exptime = int64(delay)
	default:
		return stackerr.Wrap(ErrTooManyFields)
	}
	return nil
}

// appendValueResponse formats one "VALUE <key> <flags> <bytes> [cas]"
// block including the data and its trailing separator.
func appendValueResponse(b []byte, key []byte, flags uint32, data []byte, withCas bool, cas uint64) []byte {
	b = append(b, ValueResponse...)
	b = append(b, ' ')
	b = append(b, key...)
	b = append(b, ' ')
	b = appendUint(b, uint64(flags))
	b = append(b, ' ')
	b = appendUint(b, uint64(len(data)))
	if withCas {
		b = append(b, ' ')
		b = appendUint(b, cas)
	}
	b = append(b, Separator...)
	b = append(b, data...)
	b = append(b, Separator...)
	return b
}

func appendResponseLine(b []byte, res string) []byte {
	b = append(b, res...)
	b = append(b, Separator...)
	return b
}

func clientErrorLine(err error) []byte {
	b := []byte(ClientErrorResponse + " ")
	b = append(b, unwrap(err).Error()...)
	return append(b, Separator...)
}
