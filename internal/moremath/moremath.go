package moremath

import "math"

// WasmCompatMin is math.Min with the WebAssembly rule that a NaN operand yields NaN even if the other is -Inf.
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L74-L91
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax is math.Max with the WebAssembly rule that a NaN operand yields NaN even if the other is +Inf.
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L42-L59
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatMinF32 is WasmCompatMin on 32-bit operands. The float32 round trip is exact for every float32 value.
func WasmCompatMinF32(x, y float32) float32 {
	return float32(WasmCompatMin(float64(x), float64(y)))
}

// WasmCompatMaxF32 is WasmCompatMax on 32-bit operands.
func WasmCompatMaxF32(x, y float32) float32 {
	return float32(WasmCompatMax(float64(x), float64(y)))
}

// WasmCompatNearestF32 is math.Round, except it rounds to even on ties as required by f32.nearest.
func WasmCompatNearestF32(f float32) float32 {
	// Keep the sign bit of +/-0 and pass through NaN/Inf.
	if f == 0 || math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return f
	}
	return float32(math.RoundToEven(float64(f)))
}

// WasmCompatNearestF64 is the 64-bit variant of WasmCompatNearestF32.
func WasmCompatNearestF64(f float64) float64 {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	return math.RoundToEven(f)
}
