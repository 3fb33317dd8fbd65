package jit

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tangzhangming/novatrace/internal/lir"
)

// TraceDump 片段的可序列化快照, 供离线查看
type TraceDump struct {
	Script      string      `cbor:"1,keyasint"`
	PC          int         `cbor:"2,keyasint"`
	Hits        int         `cbor:"3,keyasint"`
	Blacklisted bool        `cbor:"4,keyasint"`
	Recordings  int         `cbor:"5,keyasint"`
	Recompiles  int         `cbor:"6,keyasint"`
	Aborts      int         `cbor:"7,keyasint"`
	TypeMap     string      `cbor:"8,keyasint"`
	Globals     []string    `cbor:"9,keyasint,omitempty"`
	Exits       []ExitDump  `cbor:"10,keyasint,omitempty"`
	LIR         []string    `cbor:"11,keyasint,omitempty"`
	Info        FrameLayout `cbor:"12,keyasint"`
}

// ExitDump 一个守卫的侧出口
type ExitDump struct {
	Guard   int    `cbor:"1,keyasint"`
	Kind    string `cbor:"2,keyasint"`
	IPAdj   int    `cbor:"3,keyasint"`
	SPAdj   int    `cbor:"4,keyasint"`
	TypeMap string `cbor:"5,keyasint"`
}

// FrameLayout 交接帧布局
type FrameLayout struct {
	NativeStackBase     int `cbor:"1,keyasint"`
	MaxNativeFrameSlots int `cbor:"2,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jit: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// NewTraceDump 生成片段快照
func NewTraceDump(f *Fragment) *TraceDump {
	d := &TraceDump{
		Script:      f.Script.Name,
		PC:          f.PC,
		Hits:        f.Hits,
		Blacklisted: f.Blacklisted,
		Recordings:  f.Recordings,
		Recompiles:  f.Recompiles,
		Aborts:      f.Aborts,
		TypeMap:     f.Info.TypeMap.String(),
		Info: FrameLayout{
			NativeStackBase:     f.Info.NativeStackBase,
			MaxNativeFrameSlots: f.Info.MaxNativeFrameSlots,
		},
	}
	for _, g := range f.Globals {
		d.Globals = append(d.Globals, g.Name)
	}
	if f.Code != nil {
		for _, g := range f.Code.Guards() {
			d.Exits = append(d.Exits, ExitDump{
				Guard:   g.ID,
				Kind:    g.Exit.Kind.String(),
				IPAdj:   g.Exit.IPAdj,
				SPAdj:   g.Exit.SPAdj,
				TypeMap: g.Exit.TypeMap.String(),
			})
		}
	}
	if f.LIR != nil {
		for _, ins := range f.LIR.Ins() {
			d.LIR = append(d.LIR, lir.Format(ins))
		}
	}
	return d
}

// MarshalTraceDump 以规范 CBOR 编码
func MarshalTraceDump(d *TraceDump) ([]byte, error) {
	return cborEncMode.Marshal(d)
}

// UnmarshalTraceDump 解码
func UnmarshalTraceDump(data []byte) (*TraceDump, error) {
	var d TraceDump
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("jit: unmarshal trace dump: %w", err)
	}
	return &d, nil
}
