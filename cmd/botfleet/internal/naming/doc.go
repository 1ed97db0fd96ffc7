// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package naming derives compose service slugs and container-name suffixes from
strategy identifiers.

Both derivations are pure functions of the identifier. They hold no state and
do not depend on call order, so re-deriving a name always produces the same
result:

	n := naming.Derive("CustomStoplossWithPSAR")
	// n.Slug            == "customstoplosswithpsar"
	// n.ContainerSuffix == "custom_stoploss_with_psar"

The slug is safe for DNS labels and compose service keys. The suffix is the
human-readable snake_case form appended to a container-name prefix.
*/
package naming
