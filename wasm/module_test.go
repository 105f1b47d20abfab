package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFunctionType_String(t *testing.T) {
	require.Equal(t, "v_v", (&FunctionType{}).String())
	require.Equal(t, "i32f64_i64", (&FunctionType{
		Params:  []ValueType{ValueTypeI32, ValueTypeF64},
		Results: []ValueType{ValueTypeI64},
	}).String())
}

func TestModule_CanonicalTypeIDs(t *testing.T) {
	m := &Module{TypeSection: []FunctionType{
		{Params: []ValueType{ValueTypeI32}},
		{},
		{Params: []ValueType{ValueTypeI32}},
		{Results: []ValueType{ValueTypeI32}},
		{},
	}}
	require.Equal(t, []uint32{0, 1, 0, 3, 1}, m.CanonicalTypeIDs())
}

func TestModule_TypeOfFunction(t *testing.T) {
	m := &Module{
		TypeSection:     []FunctionType{{}, {Params: []ValueType{ValueTypeI64}}},
		ImportSection:   []Import{{Module: "env", Name: "f", DescFunc: 1}},
		FunctionSection: []Index{0},
	}
	typeIdx, ok := m.TypeOfFunction(0)
	require.True(t, ok)
	require.Equal(t, Index(1), typeIdx)
	typeIdx, ok = m.TypeOfFunction(1)
	require.True(t, ok)
	require.Equal(t, Index(0), typeIdx)
	_, ok = m.TypeOfFunction(2)
	require.False(t, ok)
}

func TestConstantExpression_Eval(t *testing.T) {
	for _, tc := range []struct {
		name string
		expr ConstantExpression
		exp  uint64
	}{
		{name: "i32", expr: I32Const(-1), exp: 0xffffffff},
		{name: "i64", expr: I64Const(-2), exp: 0xfffffffffffffffe},
		{name: "f32", expr: ConstantExpression{Opcode: OpcodeF32Const, Data: []byte{0, 0, 0x80, 0x3f}}, exp: 0x3f800000},
		{name: "global.get", expr: ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{1}}, exp: 42},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v, err := tc.expr.Eval([]uint64{1, 42})
			require.NoError(t, err)
			require.Equal(t, tc.exp, v)
		})
	}

	_, err := (&ConstantExpression{Opcode: OpcodeGlobalGet, Data: []byte{5}}).Eval(nil)
	require.EqualError(t, err, "global index 5 out of range")
}
