package ir

import (
	"fmt"
	"strings"
)

// Opcode identifies an instruction.
type Opcode uint8

const (
	NOP Opcode = iota
	LABEL
	LINE
	CONST
	LOAD
	STORE
	ADD
	SUB
	MUL
	DIV
	REM
	NEG
	CMP
	IFEQ
	IFNE
	IFLT
	IFGE
	IFGT
	IFLE
	IFCMPEQ
	IFCMPNE
	IFCMPLT
	IFCMPGE
	IFCMPGT
	IFCMPLE
	IFNULL
	IFNONNULL
	GOTO
	SWITCH
	NEW
	NEWARRAY
	ARRAYLENGTH
	ALOAD
	ASTORE
	GETFIELD
	PUTFIELD
	GETSTATIC
	PUTSTATIC
	INVOKESTATIC
	INVOKEVIRTUAL
	INVOKESPECIAL
	INVOKEINTERFACE
	INVOKEDYNAMIC
	RETURN
	VRETURN
	THROW
	DUP
	POP
	SWAP
	CHECKCAST
	INSTANCEOF
	MONITORENTER
	MONITOREXIT
	BREAKPOINT

	opcodeCount
)

var opcodeNames = [...]string{
	NOP:             "NOP",
	LABEL:           "LABEL",
	LINE:            "LINE",
	CONST:           "CONST",
	LOAD:            "LOAD",
	STORE:           "STORE",
	ADD:             "ADD",
	SUB:             "SUB",
	MUL:             "MUL",
	DIV:             "DIV",
	REM:             "REM",
	NEG:             "NEG",
	CMP:             "CMP",
	IFEQ:            "IFEQ",
	IFNE:            "IFNE",
	IFLT:            "IFLT",
	IFGE:            "IFGE",
	IFGT:            "IFGT",
	IFLE:            "IFLE",
	IFCMPEQ:         "IFCMPEQ",
	IFCMPNE:         "IFCMPNE",
	IFCMPLT:         "IFCMPLT",
	IFCMPGE:         "IFCMPGE",
	IFCMPGT:         "IFCMPGT",
	IFCMPLE:         "IFCMPLE",
	IFNULL:          "IFNULL",
	IFNONNULL:       "IFNONNULL",
	GOTO:            "GOTO",
	SWITCH:          "SWITCH",
	NEW:             "NEW",
	NEWARRAY:        "NEWARRAY",
	ARRAYLENGTH:     "ARRAYLENGTH",
	ALOAD:           "ALOAD",
	ASTORE:          "ASTORE",
	GETFIELD:        "GETFIELD",
	PUTFIELD:        "PUTFIELD",
	GETSTATIC:       "GETSTATIC",
	PUTSTATIC:       "PUTSTATIC",
	INVOKESTATIC:    "INVOKESTATIC",
	INVOKEVIRTUAL:   "INVOKEVIRTUAL",
	INVOKESPECIAL:   "INVOKESPECIAL",
	INVOKEINTERFACE: "INVOKEINTERFACE",
	INVOKEDYNAMIC:   "INVOKEDYNAMIC",
	RETURN:          "RETURN",
	VRETURN:         "VRETURN",
	THROW:           "THROW",
	DUP:             "DUP",
	POP:             "POP",
	SWAP:            "SWAP",
	CHECKCAST:       "CHECKCAST",
	INSTANCEOF:      "INSTANCEOF",
	MONITORENTER:    "MONITORENTER",
	MONITOREXIT:     "MONITOREXIT",
	BREAKPOINT:      "BREAKPOINT",
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		m[name] = Opcode(op)
	}
	return m
}()

func (o Opcode) String() string {
	if o < opcodeCount {
		return opcodeNames[o]
	}
	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// ParseOpcode returns the opcode with the given mnemonic (case-insensitive).
func ParseOpcode(s string) (Opcode, error) {
	op, ok := opcodesByName[strings.ToUpper(s)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown opcode %q", ErrMalformed, s)
	}
	return op, nil
}

// IsBranch reports whether the instruction transfers control to a label.
func (o Opcode) IsBranch() bool {
	return (o >= IFEQ && o <= GOTO) || o == SWITCH
}

// IsConditional reports whether the branch may fall through.
func (o Opcode) IsConditional() bool {
	return o >= IFEQ && o <= IFNONNULL
}

// IsInvoke reports whether the instruction calls a method.
func (o Opcode) IsInvoke() bool {
	return o >= INVOKESTATIC && o <= INVOKEINTERFACE
}

// IsFieldAccess reports whether the instruction reads or writes a field.
func (o Opcode) IsFieldAccess() bool {
	return o >= GETFIELD && o <= PUTSTATIC
}

// IsTerminal reports whether control never falls through to the next instruction.
func (o Opcode) IsTerminal() bool {
	switch o {
	case RETURN, VRETURN, THROW, GOTO, SWITCH:
		return true
	}
	return false
}

// HasMemberOperand reports whether the instruction names an owner, a name and a descriptor.
func (o Opcode) HasMemberOperand() bool {
	return o.IsInvoke() || o.IsFieldAccess()
}

// HasTypeOperand reports whether the instruction names a type.
func (o Opcode) HasTypeOperand() bool {
	switch o {
	case NEW, NEWARRAY, CHECKCAST, INSTANCEOF:
		return true
	}
	return false
}
