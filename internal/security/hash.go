package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSecret はリフレッシュシークレットや確認コードを保存用にハッシュ化する。
// 入力は十分なエントロピーを持つか、試行回数が制限されている前提のため、ソルトは使わない。
// 同じ入力からは常に同じ値が得られるので、ハッシュで検索できる。
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
