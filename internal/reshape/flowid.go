package reshape

import (
	"errors"
	"fmt"

	"github.com/hds/rfr/internal/record"
)

// dynamicIDBits/wakeCounterBits are the flow id's bit budget (spec §4.9
// step 6): bit 63 is the spawn flag, the next 10 bits are a wake
// counter, and the low 53 bits are the DynamicId.
const (
	dynamicIDBits  = 53
	wakeCounterBits = 10

	maxDynamicID   = uint64(1)<<dynamicIDBits - 1
	maxWakeCounter = uint64(1)<<wakeCounterBits - 1

	spawnFlagBit = uint64(1) << 63
)

// ErrDynamicIDOverflow is returned by EncodeFlowID when dynamicID does
// not fit in the encoding's 53-bit budget.
var ErrDynamicIDOverflow = errors.New("reshape: dynamic id is 2^53 or larger, cannot encode flow id")

// EncodeFlowID packs spawn, wakeCounter, and dynamicID into the 64-bit
// flow id external trace viewers key links by (spec §4.9 step 6).
// wakeCounter is masked to its 10-bit budget rather than rejected: the
// spec imposes a hard precondition only on DynamicId, treating the wake
// counter component as advisory.
func EncodeFlowID(spawn bool, wakeCounter record.WakeID, dynamicID record.DynamicID) (uint64, error) {
	if uint64(dynamicID) > maxDynamicID {
		return 0, fmt.Errorf("%w: got %d", ErrDynamicIDOverflow, dynamicID)
	}
	var id uint64
	if spawn {
		id |= spawnFlagBit
	}
	id |= (uint64(wakeCounter) & maxWakeCounter) << dynamicIDBits
	id |= uint64(dynamicID)
	return id, nil
}
