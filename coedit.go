package coedit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// shared value types used across the document, session, and
// reconcile layers


type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024) * ByteCount(1024)
}


// a session-scoped peer identifier. Ids are generated fresh for each
// process and are never reused across restarts.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, fmt.Errorf("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte = *self
	return json.Marshal(encodeUuid(buf))
}

func (self *Id) UnmarshalJSON(src []byte) error {
	var idStr string
	err := json.Unmarshal(src, &idStr)
	if err != nil {
		return err
	}
	id, err := parseUuid(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func parseUuid(uuidStr string) (Id, error) {
	uuidStr = strings.ReplaceAll(uuidStr, "-", "")
	if hex.DecodedLen(len(uuidStr)) != 16 {
		return Id{}, fmt.Errorf("Invalid uuid: %s", uuidStr)
	}
	var id Id
	_, err := hex.Decode(id[:], []byte(uuidStr))
	if err != nil {
		return Id{}, fmt.Errorf("Invalid uuid: %s", uuidStr)
	}
	return id, nil
}

func encodeUuid(id [16]byte) string {
	return fmt.Sprintf(
		"%s-%s-%s-%s-%s",
		hex.EncodeToString(id[0:4]),
		hex.EncodeToString(id[4:6]),
		hex.EncodeToString(id[6:8]),
		hex.EncodeToString(id[8:10]),
		hex.EncodeToString(id[10:16]),
	)
}


// a rendezvous address at the broker. A room id is the address claimed
// by the room's current host. joiners address envelopes to it.
type Address string

func NewAddress() Address {
	return Address(strings.ToLower(ulid.Make().String()))
}

func (self Address) IsZero() bool {
	return self == Address("")
}
