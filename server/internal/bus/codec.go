package bus

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode 使用 Core Deterministic Encoding：相同内容总是得到相同字节
var encMode cbor.EncMode

// decMode 对 any 目标解码为 map[string]any，与 encoding/json 的形状保持一致
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("bus: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("bus: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode 编码信封
func Encode(env *Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Decode 解码信封
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
