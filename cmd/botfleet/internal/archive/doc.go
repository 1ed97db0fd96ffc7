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
Package archive bundles resolved strategy sources into a single deployable
tar.gz archive.

Sources are first copied into a private staging directory, which is removed
on every return path, and the staging tree is then written as a gzip
compressed tarball. Entries are written in lexical order with zeroed
timestamps and ownership so the same sources always produce the same bytes.

	res, err := archive.Package(ctx, entries, "build/strategies.tar.gz", archive.Options{})
	if err != nil {
	    return err
	}
	fmt.Println(res.SHA256)

A Publisher can copy the finished archive to remote storage; GCSPublisher
uploads to a Google Cloud Storage bucket.
*/
package archive
