package wire

import "testing"

func TestTxnDescRoundTrip(t *testing.T) {
	want := &TxnDesc{
		Target:      7,
		Cookie:      0xdeadbeef,
		Code:        42,
		Flags:       FlagOneWay,
		SenderPID:   1234,
		SenderEUID:  1000,
		DataSize:    16,
		OffsetsSize: 8,
		DataPtr:     0x1000,
		OffsetsPtr:  0x2000,
	}
	buf := MarshalTxnDesc(want)
	if len(buf) != TxnDescSize {
		t.Fatalf("MarshalTxnDesc len = %d, want %d", len(buf), TxnDescSize)
	}
	got, err := UnmarshalTxnDesc(buf)
	if err != nil {
		t.Fatalf("UnmarshalTxnDesc: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestTxnDescShortBuffer(t *testing.T) {
	if _, err := UnmarshalTxnDesc(make([]byte, TxnDescSize-1)); err != ErrInsufficientData {
		t.Errorf("expected ErrInsufficientData, got %v", err)
	}
}

func TestFlatObjectRoundTrip(t *testing.T) {
	want := &FlatObject{
		Type:   ObjTypeHandle,
		Flags:  ObjFlagsAcceptFDs | 5,
		Handle: 3,
	}
	buf := MarshalFlatObject(want)
	if len(buf) != FlatObjectSize {
		t.Fatalf("len = %d, want %d", len(buf), FlatObjectSize)
	}
	got, err := UnmarshalFlatObject(buf)
	if err != nil {
		t.Fatalf("UnmarshalFlatObject: %v", err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.MinPriority() != 5 {
		t.Errorf("MinPriority() = %d, want 5", got.MinPriority())
	}
	if !got.AcceptsFDs() {
		t.Error("AcceptsFDs() = false, want true")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := PutHeader(nil, uint32(CmdTransaction))
	code, rest, err := ReadHeader(buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if Command(code) != CmdTransaction {
		t.Errorf("code = %v, want CmdTransaction", Command(code))
	}
	if len(rest) != 0 {
		t.Errorf("rest len = %d, want 0", len(rest))
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want int }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{3, 4, 4},
	}
	for _, c := range cases {
		if got := AlignUp(c.n, c.align); got != c.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func TestRefMutationCmdRoundTrips(t *testing.T) {
	rt := MarshalRefTargetCmd(&RefTargetCmd{Desc: 9})
	got, err := UnmarshalRefTargetCmd(rt)
	if err != nil || got.Desc != 9 {
		t.Errorf("RefTargetCmd round trip failed: %+v, %v", got, err)
	}

	ack := MarshalOwnerAckCmd(&OwnerAckCmd{Ptr: 0x1, Cookie: 0x2})
	gotAck, err := UnmarshalOwnerAckCmd(ack)
	if err != nil || gotAck.Ptr != 0x1 || gotAck.Cookie != 0x2 {
		t.Errorf("OwnerAckCmd round trip failed: %+v, %v", gotAck, err)
	}

	fb := MarshalFreeBufferCmd(&FreeBufferCmd{UserAddr: 0x3000})
	gotFb, err := UnmarshalFreeBufferCmd(fb)
	if err != nil || gotFb.UserAddr != 0x3000 {
		t.Errorf("FreeBufferCmd round trip failed: %+v, %v", gotFb, err)
	}

	death := MarshalDeathCmd(&DeathCmd{Handle: 4, Cookie: 0x44})
	gotDeath, err := UnmarshalDeathCmd(death)
	if err != nil || gotDeath.Handle != 4 || gotDeath.Cookie != 0x44 {
		t.Errorf("DeathCmd round trip failed: %+v, %v", gotDeath, err)
	}

	done := MarshalDeadBinderDoneCmd(&DeadBinderDoneCmd{Cookie: 0x55})
	gotDone, err := UnmarshalDeadBinderDoneCmd(done)
	if err != nil || gotDone.Cookie != 0x55 {
		t.Errorf("DeadBinderDoneCmd round trip failed: %+v, %v", gotDone, err)
	}
}
