// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync_engine

// mergePayloads merges two event payloads field by field. The second payload
// is the chronologically later one and wins scalar ties.
//
// Rules, per field present in either payload:
//   - absent in one side: take the present value
//   - both objects: merge recursively
//   - scalars that differ: prefer non-null, then the non-empty string, then
//     the numeric maximum, else the later event's value
func mergePayloads(earlier, later map[string]any) map[string]any {
	out := make(map[string]any, len(earlier)+len(later))
	for k, v := range earlier {
		out[k] = cloneValue(v)
	}
	for k, lv := range later {
		ev, present := out[k]
		if !present {
			out[k] = cloneValue(lv)
			continue
		}
		out[k] = mergeField(ev, lv)
	}
	return out
}

func mergeField(earlier, later any) any {
	// Non-null beats null.
	if later == nil {
		return earlier
	}
	if earlier == nil {
		return cloneValue(later)
	}

	// Objects merge recursively.
	eObj, eIsObj := earlier.(map[string]any)
	lObj, lIsObj := later.(map[string]any)
	if eIsObj && lIsObj {
		return mergePayloads(eObj, lObj)
	}

	if equalValues(earlier, later) {
		return earlier
	}

	// Non-empty string beats empty.
	eStr, eIsStr := earlier.(string)
	lStr, lIsStr := later.(string)
	if eIsStr && lIsStr {
		if lStr == "" {
			return eStr
		}
		return lStr
	}

	// Numeric max.
	eNum, eIsNum := toFloat(earlier)
	lNum, lIsNum := toFloat(later)
	if eIsNum && lIsNum {
		if eNum > lNum {
			return earlier
		}
		return later
	}

	// Later event wins everything else.
	return cloneValue(later)
}
