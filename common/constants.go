// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

// Operation names, used to tag log records and metrics snapshots. Mirrors
// the exposed API one-to-one.
const (
	OpWriteFile       = "WriteFile"
	OpReadFile        = "ReadFile"
	OpCreateFile      = "CreateFile"
	OpMkdir           = "Mkdir"
	OpUnlink          = "Unlink"
	OpRmdir           = "Rmdir"
	OpLookup          = "Lookup"
	OpReaddir         = "Readdir"
	OpGetattr         = "Getattr"
	OpSetattr         = "Setattr"
	OpRename          = "Rename"
	OpSetxattr        = "Setxattr"
	OpGetxattr        = "Getxattr"
	OpListxattr       = "Listxattr"
	OpRemovexattr     = "Removexattr"
	OpAddDisk         = "AddDisk"
	OpRemoveDisk      = "RemoveDisk"
	OpSetDiskHealth   = "SetDiskHealth"
	OpProbeDisks      = "ProbeDisks"
	OpScrub           = "Scrub"
	OpDetectOrphans   = "DetectOrphans"
	OpCleanupOrphans  = "CleanupOrphans"
	OpChangePolicy    = "ChangePolicy"
	OpPolicyStatus    = "PolicyStatus"
	OpStatus          = "Status"
	OpHealth          = "Health"
	OpMetricsSnapshot = "MetricsSnapshot"
)
