// Package domain models the multi-sensor acquisitions the pipeline aligns.
//
// # Rasters
//
// A [Raster] is a north-up [Grid] carrying named float64 bands stored as
// gonum dense matrices (rows are image lines, north to south). Every band of
// one raster shares its grid; [Raster.SetBand] rejects anything else.
// Static layers such as elevation carry a zero Time.
//
// Null samples are NaN. A null means "no valid observation" and is distinct
// from an observed zero: masking writes NaN, index formulas return NaN on a
// zero denominator, and aggregation skips NaN when averaging.
//
// # Band conventions
//
// Radar acquisitions carry linear amplitude bands VV and VH and optionally
// the ellipsoid incidence angle in degrees ("angle"). Optical acquisitions
// carry Sentinel-2 surface reflectance scaled by 10000 (B2, B3, B4, B5, B8,
// B11), a scene classification band (SCL) and a clear-sky score in [0, 1]
// ("cs" or "cs_cdf"). Terrain layers use DEM (metres), slope and aspect
// (degrees). Weather covariates are in millimetres and degrees Celsius.
//
// # Records
//
// An [AcquisitionRecord] pairs a raster with its footprint and capture time.
// A [JoinedRecord] is a radar record with optical bands appended; it exists
// only when at least one optical record matched. An [AggregatedRow] is the
// terminal artefact: one regional mean per band for a (region, acquisition)
// pair.
//
// Every stage returns new rasters. Records handed to a later stage are never
// modified in place.
package domain
