// SPDX-License-Identifier: LGPL-3.0-or-later

package node

import "time"

// nowMillis reports the current time as milliseconds since the Unix
// epoch, the unit IdentifyData's timestamps are carried in.
func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
