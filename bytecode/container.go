package bytecode

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

const containerMagic = "BYRC"
const containerFormat byte = 1

// ErrContainerFormat indicates data that is not a code container this package wrote.
var ErrContainerFormat = errors.New("invalid code container")

const (
	constNone byte = iota
	constBool
	constInt
	constFloat
	constString
	constTuple
	constCode
)

type codeRecord struct {
	Name            string        `msgpack:"n"`
	Filename        string        `msgpack:"fn,omitempty"`
	FirstLineNo     int           `msgpack:"fl,omitempty"`
	ArgCount        int           `msgpack:"ac,omitempty"`
	PosOnlyArgCount int           `msgpack:"pc,omitempty"`
	KwOnlyArgCount  int           `msgpack:"kc,omitempty"`
	StackSize       int           `msgpack:"ss,omitempty"`
	Flags           int           `msgpack:"f"`
	Bytecode        []byte        `msgpack:"b"`
	Consts          []constRecord `msgpack:"k,omitempty"`
	Names           []string      `msgpack:"nm,omitempty"`
	VarNames        []string      `msgpack:"vn,omitempty"`
	FreeVars        []string      `msgpack:"fv,omitempty"`
	CellVars        []string      `msgpack:"cv,omitempty"`
	LineTable       []byte        `msgpack:"lt,omitempty"`
	Version         string        `msgpack:"v,omitempty"`
}

type constRecord struct {
	Kind  byte          `msgpack:"t"`
	Bool  bool          `msgpack:"b,omitempty"`
	Int   int64         `msgpack:"i,omitempty"`
	Float float64       `msgpack:"f,omitempty"`
	Str   string        `msgpack:"s,omitempty"`
	Tuple []constRecord `msgpack:"u,omitempty"`
	Code  *codeRecord   `msgpack:"c,omitempty"`
}

func toRecord(c *Code) (*codeRecord, error) {
	consts := make([]constRecord, len(c.Consts))
	for i, k := range c.Consts {
		rec, err := toConstRecord(k)
		if err != nil {
			return nil, fmt.Errorf("%s const %d: %w", c.Name, i, err)
		}
		consts[i] = rec
	}
	return &codeRecord{
		Name:            c.Name,
		Filename:        c.Filename,
		FirstLineNo:     c.FirstLineNo,
		ArgCount:        c.ArgCount,
		PosOnlyArgCount: c.PosOnlyArgCount,
		KwOnlyArgCount:  c.KwOnlyArgCount,
		StackSize:       c.StackSize,
		Flags:           c.Flags,
		Bytecode:        c.Bytecode,
		Consts:          consts,
		Names:           c.Names,
		VarNames:        c.VarNames,
		FreeVars:        c.FreeVars,
		CellVars:        c.CellVars,
		LineTable:       c.LineTable,
		Version:         c.Version,
	}, nil
}

func toConstRecord(k any) (constRecord, error) {
	switch v := k.(type) {
	case nil, NoneType:
		return constRecord{Kind: constNone}, nil
	case bool:
		return constRecord{Kind: constBool, Bool: v}, nil
	case int:
		return constRecord{Kind: constInt, Int: int64(v)}, nil
	case int64:
		return constRecord{Kind: constInt, Int: v}, nil
	case float64:
		return constRecord{Kind: constFloat, Float: v}, nil
	case string:
		return constRecord{Kind: constString, Str: v}, nil
	case Tuple:
		items := make([]constRecord, len(v))
		for i, item := range v {
			rec, err := toConstRecord(item)
			if err != nil {
				return constRecord{}, err
			}
			items[i] = rec
		}
		return constRecord{Kind: constTuple, Tuple: items}, nil
	case *Code:
		rec, err := toRecord(v)
		if err != nil {
			return constRecord{}, err
		}
		return constRecord{Kind: constCode, Code: rec}, nil
	default:
		return constRecord{}, fmt.Errorf("%w: unsupported constant type %T", ErrContainerFormat, k)
	}
}

func fromRecord(r *codeRecord) (*Code, error) {
	consts := make([]any, len(r.Consts))
	for i, rec := range r.Consts {
		k, err := fromConstRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s const %d: %w", r.Name, i, err)
		}
		consts[i] = k
	}
	return &Code{
		Name:            r.Name,
		Filename:        r.Filename,
		FirstLineNo:     r.FirstLineNo,
		ArgCount:        r.ArgCount,
		PosOnlyArgCount: r.PosOnlyArgCount,
		KwOnlyArgCount:  r.KwOnlyArgCount,
		StackSize:       r.StackSize,
		Flags:           r.Flags,
		Bytecode:        r.Bytecode,
		Consts:          consts,
		Names:           r.Names,
		VarNames:        r.VarNames,
		FreeVars:        r.FreeVars,
		CellVars:        r.CellVars,
		LineTable:       r.LineTable,
		Version:         r.Version,
	}, nil
}

func fromConstRecord(rec constRecord) (any, error) {
	switch rec.Kind {
	case constNone:
		return None, nil
	case constBool:
		return rec.Bool, nil
	case constInt:
		return rec.Int, nil
	case constFloat:
		return rec.Float, nil
	case constString:
		return rec.Str, nil
	case constTuple:
		items := make(Tuple, len(rec.Tuple))
		for i, item := range rec.Tuple {
			v, err := fromConstRecord(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case constCode:
		if rec.Code == nil {
			return nil, fmt.Errorf("%w: empty code constant", ErrContainerFormat)
		}
		return fromRecord(rec.Code)
	default:
		return nil, fmt.Errorf("%w: constant kind %d", ErrContainerFormat, rec.Kind)
	}
}

// MarshalCode serializes a unit, including nested code constants, into a compressed container.
func MarshalCode(c *Code) ([]byte, error) {
	rec, err := toRecord(c)
	if err != nil {
		return nil, err
	}
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Name, err)
	}
	out := append([]byte(containerMagic), containerFormat)
	return ZstdCompress(out, payload), nil
}

// UnmarshalCode parses a container written by MarshalCode.
func UnmarshalCode(data []byte) (*Code, error) {
	if len(data) < len(containerMagic)+1 || !bytes.Equal(data[:len(containerMagic)], []byte(containerMagic)) {
		return nil, fmt.Errorf("%w: missing header", ErrContainerFormat)
	} else if data[len(containerMagic)] != containerFormat {
		return nil, fmt.Errorf("%w: format %d", ErrContainerFormat, data[len(containerMagic)])
	}
	payload, err := ZstdDecompress(nil, data[len(containerMagic)+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerFormat, err)
	}
	var rec codeRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerFormat, err)
	}
	return fromRecord(&rec)
}

// ReadCodeFile loads a container from disk, rejecting unsupported instruction set versions.
func ReadCodeFile(path string) (*Code, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	code, err := UnmarshalCode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	} else if err := CheckVersion(code.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return code, nil
}

// WriteCodeFile stores a container on disk.
func WriteCodeFile(path string, c *Code) error {
	data, err := MarshalCode(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
