package dzrp

import (
	"github.com/agon-emu/agon-link/pkg/debugger"
)

// registerBlobSize is the DZRP register snapshot size for the eZ80:
// PC(3), SP(3), AF(2), BC(3), DE(3), HL(3), IX(3), IY(3),
// AF'(2), BC'(3), DE'(3), HL'(3), I(1), R(1), IM(1), ADL(1).
const registerBlobSize = 38

// commandsFor maps a DZRP request to the debugger commands it implies.
// Commands the server answers directly (INIT, CLOSE, LOOPBACK) and
// malformed payloads yield nil.
func commandsFor(m Message) []debugger.Cmd {
	switch m.Cmd {
	case CmdGetRegisters:
		return []debugger.Cmd{debugger.GetRegisters{}}
	case CmdSetRegister:
		// [reg_index][value:2 or 3 bytes]
		if len(m.Payload) < 3 {
			return nil
		}
		var value uint32
		if len(m.Payload) >= 4 {
			value = readU24(m.Payload, 1)
		} else {
			value = uint32(readU16(m.Payload, 1))
		}
		return []debugger.Cmd{debugger.SetRegister{Index: m.Payload[0], Value: value}}
	case CmdContinue:
		return []debugger.Cmd{debugger.Continue{}}
	case CmdPause:
		return []debugger.Cmd{debugger.Pause{Reason: debugger.PauseRequested}}
	case CmdReadMem:
		// [start:u24][len:u16]
		if len(m.Payload) < 5 {
			return nil
		}
		return []debugger.Cmd{debugger.GetMemory{
			Start: readU24(m.Payload, 0),
			Len:   uint32(readU16(m.Payload, 3)),
		}}
	case CmdWriteMem:
		// [start:u24][data...]
		if len(m.Payload) < 3 {
			return nil
		}
		data := make([]byte, len(m.Payload)-3)
		copy(data, m.Payload[3:])
		return []debugger.Cmd{debugger.WriteMemory{Start: readU24(m.Payload, 0), Data: data}}
	case CmdStepInto:
		return []debugger.Cmd{debugger.Step{}}
	case CmdStepOver:
		return []debugger.Cmd{debugger.StepOver{}}
	case CmdAddBreakpoint:
		// [bp_id:u16][bp_type:u16][address:u24]...
		if len(m.Payload) < 7 {
			return nil
		}
		return []debugger.Cmd{debugger.AddTrigger{Trigger: debugger.Trigger{
			Address: readU24(m.Payload, 4),
			Actions: []debugger.Cmd{
				debugger.Pause{Reason: debugger.PauseBreakpoint},
				debugger.GetState{},
			},
		}}}
	case CmdRemoveBreakpoint:
		// [address:u24]
		if len(m.Payload) < 3 {
			return nil
		}
		return []debugger.Cmd{debugger.DeleteTrigger{Address: readU24(m.Payload, 0)}}
	default:
		return nil
	}
}

// registersBlob lays the snapshot out in the fixed 38-byte schema. The
// alternate register set and the interrupt mode are not exposed by the
// debugger and go out as zero.
func registersBlob(f *debugger.RegisterFile) []byte {
	out := make([]byte, 0, registerBlobSize)
	out = appendU24(out, f.PC)
	out = appendU24(out, f.SP24())
	out = appendU16(out, f.AF)
	out = appendU24(out, f.BC)
	out = appendU24(out, f.DE)
	out = appendU24(out, f.HL)
	out = appendU24(out, f.IX)
	out = appendU24(out, f.IY)
	out = appendU16(out, 0) // AF'
	out = appendU24(out, 0) // BC'
	out = appendU24(out, 0) // DE'
	out = appendU24(out, 0) // HL'
	out = append(out, f.I, f.R)
	out = append(out, 0) // IM
	if f.ADL {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

// responsePayload renders a debugger response as a DZRP response payload.
func responsePayload(r debugger.Resp) ([]byte, bool) {
	switch r := r.(type) {
	case debugger.Pong, debugger.Resumed:
		return nil, true
	case debugger.Registers:
		return registersBlob(&r.File), true
	case debugger.State:
		return registersBlob(&r.File), true
	case debugger.Memory:
		return r.Data, true
	default:
		return nil, false
	}
}

// breakReason maps a pause reason onto the DZRP break-reason byte.
func breakReason(r debugger.PauseReason) byte {
	switch r {
	case debugger.PauseRequested:
		return BreakReasonManual
	case debugger.PauseBreakpoint:
		return BreakReasonBreakpoint
	case debugger.PauseWatchRead:
		return BreakReasonWatchpointRead
	case debugger.PauseWatchWrite:
		return BreakReasonWatchpointWrite
	default:
		return BreakReasonOther
	}
}

// pausePayload builds the NTF_PAUSE payload: [break_reason][pc:u24].
func pausePayload(reason debugger.PauseReason, pc uint32) []byte {
	out := make([]byte, 0, 4)
	out = append(out, breakReason(reason))
	out = appendU24(out, pc)
	return out
}

// initResponse builds the INIT reply:
// [err=0][dzrp_major=2][name_len]["eZ80"][max_breakpoints:u16].
func initResponse() []byte {
	name := "eZ80"
	out := []byte{0, 2, byte(len(name))}
	out = append(out, name...)
	out = appendU16(out, 255)
	return out
}
