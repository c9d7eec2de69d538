package registry

import "encoding/json"

// JSONCodec is the default Codec for any module algebra type: encoding
// is not a federation protocol concern here, and JSON keeps the test
// doubles in modules/dummy and internal/fedsim easy to inspect.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
