package entitlement

import (
	"encoding/json"
	"strconv"

	"github.com/Dhoini/entitlement-service/internal/plans"
)

// Remaining - остаток использований; plans.Unlimited сериализуется как "unlimited".
type Remaining int64

const unlimitedJSON = `"unlimited"`

func (r Remaining) IsUnlimited() bool { return int64(r) == plans.Unlimited }

func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.IsUnlimited() {
		return []byte(unlimitedJSON), nil
	}
	return []byte(strconv.FormatInt(int64(r), 10)), nil
}

func (r *Remaining) UnmarshalJSON(data []byte) error {
	if string(data) == unlimitedJSON {
		*r = Remaining(plans.Unlimited)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = Remaining(n)
	return nil
}

func (r Remaining) String() string {
	if r.IsUnlimited() {
		return "unlimited"
	}
	return strconv.FormatInt(int64(r), 10)
}
