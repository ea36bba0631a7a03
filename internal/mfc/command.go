package mfc

import "fmt"

type CommandKind int

const (
	FireAndForget CommandKind = iota
	Query
	Handshake
	EepromReadWrite
)

func (k CommandKind) String() string {
	switch k {
	case FireAndForget:
		return "fire_and_forget"
	case Query:
		return "query"
	case Handshake:
		return "handshake"
	case EepromReadWrite:
		return "eeprom"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one controller operation. Code2 is only used by handshakes,
// Address and Value only by EEPROM access; a nil Value means read.
type Command struct {
	Kind    CommandKind
	Code    string
	Code2   string
	Address string
	Value   *byte
}

func NewFireAndForget(code string) Command { return Command{Kind: FireAndForget, Code: code} }

func NewQuery(code string) Command { return Command{Kind: Query, Code: code} }

func NewHandshake(code1, code2 string) Command {
	return Command{Kind: Handshake, Code: code1, Code2: code2}
}

func NewEepromRead(address string) Command {
	return Command{Kind: EepromReadWrite, Address: address}
}

func NewEepromWrite(address string, value byte) Command {
	return Command{Kind: EepromReadWrite, Address: address, Value: &value}
}

// IsWrite reports whether an EEPROM command carries a value.
func (c Command) IsWrite() bool { return c.Value != nil }

func (c Command) String() string {
	switch c.Kind {
	case Handshake:
		return fmt.Sprintf("%s(%s,%s)", c.Kind, c.Code, c.Code2)
	case EepromReadWrite:
		if c.Value != nil {
			return fmt.Sprintf("eeprom_write(%s,%02X)", c.Address, *c.Value)
		}
		return fmt.Sprintf("eeprom_read(%s)", c.Address)
	default:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Code)
	}
}

// Response is what Execute hands back. Line is the final reply, Value the
// EEPROM byte for read/write commands.
type Response struct {
	Line  string
	Value byte
}
