package shaders

import (
	_ "embed"
)

//go:embed common.wgsl
var CommonWGSL string

//go:embed voronoi.wgsl
var VoronoiWGSL string

//go:embed diffuse.wgsl
var DiffuseWGSL string

//go:embed black_slice.wgsl
var BlackSliceWGSL string

//go:embed color_slice.wgsl
var ColorSliceWGSL string

//go:embed iso_surface.wgsl
var IsoSurfaceWGSL string

//go:embed blit.wgsl
var BlitWGSL string

//go:embed text.wgsl
var TextWGSL string
