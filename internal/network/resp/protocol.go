// Package resp exposes the growth operations over the Redis Serialization
// Protocol so redis-cli and Redis load tools can drive memgrowth.
package resp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RESP data types
const (
	TypeSimpleString = '+'
	TypeError        = '-'
	TypeInteger      = ':'
	TypeBulkString   = '$'
	TypeArray        = '*'
)

// Limits on what a single header may ask the parser to allocate
const (
	maxBulkLength   = 1 << 20 // bytes in one bulk string
	maxArrayLength  = 1024    // elements in one array
	maxNestingDepth = 8       // arrays inside arrays
)

// Value represents a RESP value of any type
type Value struct {
	Type  byte
	Str   string
	Int   int64
	Array []Value
	Null  bool
}

// Parser handles RESP protocol parsing
type Parser struct {
	reader *bufio.Reader
}

// NewParser creates a new RESP parser
func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{reader: br}
	}
	return &Parser{reader: bufio.NewReader(r)}
}

// Parse reads one complete RESP value. Inline commands (plain text lines,
// as typed into telnet) are returned as an array of bulk strings.
func (p *Parser) Parse() (*Value, error) {
	return p.parse(0)
}

func (p *Parser) parse(depth int) (*Value, error) {
	typeByte, err := p.reader.ReadByte()
	if err != nil {
		return nil, err
	}

	switch typeByte {
	case TypeSimpleString:
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeSimpleString, Str: line}, nil
	case TypeError:
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		return &Value{Type: TypeError, Str: line}, nil
	case TypeInteger:
		return p.parseInteger()
	case TypeBulkString:
		return p.parseBulkString()
	case TypeArray:
		return p.parseArray(depth)
	default:
		if err := p.reader.UnreadByte(); err != nil {
			return nil, err
		}
		return p.parseInline()
	}
}

// parseInteger parses an integer (:123\r\n)
func (p *Parser) parseInteger() (*Value, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	num, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer: %s", line)
	}
	return &Value{Type: TypeInteger, Int: num}, nil
}

// parseBulkString parses a bulk string ($6\r\nfoobar\r\n or $-1\r\n for null)
func (p *Parser) parseBulkString() (*Value, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(line)
	if err != nil || length < -1 || length > maxBulkLength {
		return nil, fmt.Errorf("invalid bulk string length: %s", line)
	}
	if length == -1 {
		return &Value{Type: TypeBulkString, Null: true}, nil
	}

	data := make([]byte, length+2)
	if _, err := io.ReadFull(p.reader, data); err != nil {
		return nil, err
	}
	if data[length] != '\r' || data[length+1] != '\n' {
		return nil, fmt.Errorf("expected CRLF after bulk string")
	}
	return &Value{Type: TypeBulkString, Str: string(data[:length])}, nil
}

// parseArray parses an array (*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n)
func (p *Parser) parseArray(depth int) (*Value, error) {
	if depth >= maxNestingDepth {
		return nil, fmt.Errorf("array nesting exceeds %d levels", maxNestingDepth)
	}
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(line)
	if err != nil || length < -1 || length > maxArrayLength {
		return nil, fmt.Errorf("invalid array length: %s", line)
	}
	if length == -1 {
		return &Value{Type: TypeArray, Null: true}, nil
	}

	elements := make([]Value, length)
	for i := range elements {
		element, err := p.parse(depth + 1)
		if err != nil {
			return nil, err
		}
		elements[i] = *element
	}
	return &Value{Type: TypeArray, Array: elements}, nil
}

func (p *Parser) parseInline() (*Value, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	elements := make([]Value, len(fields))
	for i, f := range fields {
		elements[i] = Value{Type: TypeBulkString, Str: f}
	}
	return &Value{Type: TypeArray, Array: elements}, nil
}

// readLine reads a line ending with \r\n and returns the content without CRLF
func (p *Parser) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("line must end with CRLF")
	}
	return line[:len(line)-2], nil
}

// FormatSimpleString formats a simple string response
func FormatSimpleString(s string) []byte {
	return []byte("+" + s + "\r\n")
}

// FormatError formats an error response. Line breaks are flattened since
// an error reply is a single line.
func FormatError(msg string) []byte {
	msg = strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
	return []byte("-" + msg + "\r\n")
}

// FormatInteger formats an integer response
func FormatInteger(i int64) []byte {
	return []byte(":" + strconv.FormatInt(i, 10) + "\r\n")
}

// FormatBulkString formats a bulk string response
func FormatBulkString(s string) []byte {
	return []byte("$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n")
}

// FormatBulkBytes formats bulk bytes response
func FormatBulkBytes(data []byte) []byte {
	out := make([]byte, 0, len(data)+16)
	out = append(out, '$')
	out = strconv.AppendInt(out, int64(len(data)), 10)
	out = append(out, '\r', '\n')
	out = append(out, data...)
	return append(out, '\r', '\n')
}

// FormatNull formats a null bulk string response
func FormatNull() []byte {
	return []byte("$-1\r\n")
}

// FormatArray formats an array response
func FormatArray(elements [][]byte) []byte {
	var result strings.Builder
	result.WriteString("*" + strconv.Itoa(len(elements)) + "\r\n")
	for _, element := range elements {
		result.Write(element)
	}
	return []byte(result.String())
}

// Command represents a parsed command
type Command struct {
	Name string
	Args []string
}

// ParseCommand converts a RESP array value to a Command
func ParseCommand(value *Value) (*Command, error) {
	if value.Type != TypeArray {
		return nil, fmt.Errorf("command must be an array")
	}
	if value.Null || len(value.Array) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	args := make([]string, len(value.Array))
	for i, arg := range value.Array {
		if arg.Type != TypeBulkString || arg.Null {
			return nil, fmt.Errorf("command arguments must be bulk strings")
		}
		args[i] = arg.Str
	}

	return &Command{
		Name: strings.ToUpper(args[0]),
		Args: args[1:],
	}, nil
}
