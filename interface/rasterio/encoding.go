package rasterio

import (
	"fmt"
	"math"
	"strings"

	"github.com/airbusgeo/godal"
)

// DType of an output file
type DType int32

// DType of an output file
const (
	Undefined DType = iota
	UInt8
	Int16
	Float32
)

func DTypeFromString(dtype string) DType {
	switch strings.ToLower(dtype) {
	default:
		return Undefined
	case "uint8", "byte", "u1":
		return UInt8
	case "int16", "i2":
		return Int16
	case "float32", "f4":
		return Float32
	}
}

func (d DType) String() string {
	switch d {
	case UInt8:
		return "uint8"
	case Int16:
		return "int16"
	case Float32:
		return "float32"
	}
	return "undefined"
}

func (d DType) godal() (godal.DataType, error) {
	switch d {
	case UInt8:
		return godal.Byte, nil
	case Int16:
		return godal.Int16, nil
	case Float32:
		return godal.Float32, nil
	}
	return godal.Unknown, fmt.Errorf("unsupported datatype %v", d)
}

// Encoding defines how the values of a grid are stored: stored = value * Scale
type Encoding struct {
	DType  DType
	NoData float64
	Scale  float64
}

// Encodings of the outputs
var (
	// EncodingFloat32 stores the values as they are
	EncodingFloat32 = Encoding{DType: Float32, NoData: math.NaN(), Scale: 1}
	// EncodingReflectance converts the native integer scale of the reflectance to [0, 1]
	EncodingReflectance = Encoding{DType: Float32, NoData: math.NaN(), Scale: 1 / 1e4}
	// EncodingInt16 stores the reflectances in [0, 1] as integers multiplied by 10000
	EncodingInt16 = Encoding{DType: Int16, NoData: -32768, Scale: 1e4}
)

// Encode returns the stored value
func (e Encoding) Encode(v float64) float64 {
	if math.IsNaN(v) {
		return e.NoData
	}
	v *= e.Scale
	switch e.DType {
	case Int16:
		return math.Max(-32767, math.Min(32767, math.Round(v)))
	case UInt8:
		return math.Max(0, math.Min(255, math.Round(v)))
	}
	return v
}

// Decode returns the value of a stored value
func (e Encoding) Decode(v float64) float64 {
	if isNoData(v, e.NoData) {
		return math.NaN()
	}
	return v / e.Scale
}

func isNoData(v, nodata float64) bool {
	return math.IsNaN(v) || v == nodata
}
