package textgen

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ErrNoJSON は応答テキストに期待する形のJSONが見つからない場合に返される。
var ErrNoJSON = errors.New("応答にJSONが含まれていません")

// DecodeJSON は自由文の中から最初にvへデコードできるJSONオブジェクトまたは配列を探してデコードする。
//
// 先頭からの '{' と '[' を候補開始位置として順に試すため、
// コードフェンスや前置きの文章、"[1]" のような注釈があっても目的のJSONを取り出せる。
// 候補が末尾まで閉じずに途切れている場合は、その内側の断片を拾わずにErrNoJSONを返す。
// デコードできる候補がない場合もErrNoJSONを返す。
func DecodeJSON(text string, v any) error {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}

		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raw); err != nil {
			// 以降の候補はすべて途切れた値の内側にある
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrNoJSON
			}
			continue
		}
		if err := json.Unmarshal(raw, v); err != nil {
			continue
		}
		return nil
	}
	return ErrNoJSON
}
