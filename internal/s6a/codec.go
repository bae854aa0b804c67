package s6a

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/your-org/aalto-mme/internal/emm"
)

func encodeJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// v is always one of this package's own request structs.
		panic(err)
	}
	return b
}

func decodeJSON(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}

func decodeVector(randHex, autnHex, xresHex, kasmeHex string) (emm.AuthVector, error) {
	var av emm.AuthVector
	rand, err := hex.DecodeString(randHex)
	if err != nil || len(rand) != 16 {
		return av, fmt.Errorf("s6a: malformed RAND in auth vector")
	}
	autn, err := hex.DecodeString(autnHex)
	if err != nil || len(autn) != 16 {
		return av, fmt.Errorf("s6a: malformed AUTN in auth vector")
	}
	xres, err := hex.DecodeString(xresHex)
	if err != nil {
		return av, fmt.Errorf("s6a: malformed XRES in auth vector")
	}
	kasme, err := hex.DecodeString(kasmeHex)
	if err != nil || len(kasme) != 32 {
		return av, fmt.Errorf("s6a: malformed KASME in auth vector")
	}
	copy(av.RAND[:], rand)
	copy(av.AUTN[:], autn)
	av.XRES = xres
	copy(av.KASME[:], kasme)
	return av, nil
}
