// Package domain models BC Environmental Monitoring System (EMS) water-quality
// results for the Hullcar Aquifer and the rules for publishing them to a hosted
// feature layer.
//
// # Data Source
//
// Results come from the BC Data Catalogue (CKAN) resource "EMS sample results,
// current, expanded". Each row is one analytical result for one parameter at one
// monitoring location and collection time. The aquifer's wells are listed in
// the embedded stations.yaml registry.
//
// # EMS Conventions
//
// Identifiers:
//
//	EMS_ID          monitoring location, e.g. "E333852"
//	PARAMETER_CODE  analyte, e.g. "NO3" for nitrate
//
// Both are compared trimmed and upper-cased.
//
// Time format:
//
//	COLLECTION_START / COLLECTION_END as YYYYMMDDhhmmss in Pacific local time,
//	e.g. "20240312101500". Converted to UTC and truncated to the second.
//	COLLECTION_END is the sample date used as part of the natural key.
//
// Results:
//
//	RESULT is numeric text. RESULT_LETTER carries censoring qualifiers such as
//	"<" for below detection limit. Units are mapped to one canonical unit per
//	family (mg/L, uS/cm, C) by [ConvertUnit] and rounded to 6 decimals.
//
// # Identity
//
// A feature's natural key is station|parameter|sample date. Its fingerprint is
// a SHA-256 over station, parameter, value, sample date and QA status, so a
// re-fetch of unchanged data hashes identically and reconciles to a no-op.
// See [Fingerprint] and [Reconcile].
package domain
