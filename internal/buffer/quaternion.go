package buffer

import "math"

// quaternion is a minimal unit-quaternion type used only to slerp the
// rotational part of a stored Transform. Translation is interpolated
// linearly alongside it (spec.md §4.1, grounded on
// vtkPlusBuffer::GetInterpolatedStreamBufferItemFromTime in the original).
type quaternion struct{ w, x, y, z float64 }

func rotationFromTransform(t [16]float64) quaternion {
	// t is row-major 4x4; rotation is the top-left 3x3 block.
	m00, m01, m02 := t[0], t[1], t[2]
	m10, m11, m12 := t[4], t[5], t[6]
	m20, m21, m22 := t[8], t[9], t[10]

	trace := m00 + m11 + m22
	var q quaternion
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1.0)
		q.w = 0.25 / s
		q.x = (m21 - m12) * s
		q.y = (m02 - m20) * s
		q.z = (m10 - m01) * s
	case m00 > m11 && m00 > m22:
		s := 2.0 * math.Sqrt(1.0+m00-m11-m22)
		q.w = (m21 - m12) / s
		q.x = 0.25 * s
		q.y = (m01 + m10) / s
		q.z = (m02 + m20) / s
	case m11 > m22:
		s := 2.0 * math.Sqrt(1.0+m11-m00-m22)
		q.w = (m02 - m20) / s
		q.x = (m01 + m10) / s
		q.y = 0.25 * s
		q.z = (m12 + m21) / s
	default:
		s := 2.0 * math.Sqrt(1.0+m22-m00-m11)
		q.w = (m10 - m01) / s
		q.x = (m02 + m20) / s
		q.y = (m12 + m21) / s
		q.z = 0.25 * s
	}
	return q.normalized()
}

func (q quaternion) normalized() quaternion {
	n := math.Sqrt(q.w*q.w + q.x*q.x + q.y*q.y + q.z*q.z)
	if n == 0 {
		return quaternion{w: 1}
	}
	return quaternion{q.w / n, q.x / n, q.y / n, q.z / n}
}

func (q quaternion) dot(o quaternion) float64 {
	return q.w*o.w + q.x*o.x + q.y*o.y + q.z*o.z
}

// slerp spherically interpolates between a and b at fraction t in [0,1].
// Equal up to sign is treated as equal per spec.md's interpolation-identity
// invariant, so the shorter path is always taken.
func slerp(a, b quaternion, t float64) quaternion {
	d := a.dot(b)
	if d < 0 {
		b = quaternion{-b.w, -b.x, -b.y, -b.z}
		d = -d
	}
	if d > 0.9995 {
		// Nearly identical: linear interpolation avoids a division by ~0.
		return quaternion{
			a.w + t*(b.w-a.w),
			a.x + t*(b.x-a.x),
			a.y + t*(b.y-a.y),
			a.z + t*(b.z-a.z),
		}.normalized()
	}
	theta0 := math.Acos(d)
	theta := theta0 * t
	sinTheta0 := math.Sin(theta0)
	s0 := math.Cos(theta) - d*math.Sin(theta)/sinTheta0
	s1 := math.Sin(theta) / sinTheta0
	return quaternion{
		s0*a.w + s1*b.w,
		s0*a.x + s1*b.x,
		s0*a.y + s1*b.y,
		s0*a.z + s1*b.z,
	}
}

func (q quaternion) toMatrix() (m00, m01, m02, m10, m11, m12, m20, m21, m22 float64) {
	w, x, y, z := q.w, q.x, q.y, q.z
	m00 = 1 - 2*y*y - 2*z*z
	m01 = 2*x*y - 2*z*w
	m02 = 2*x*z + 2*y*w
	m10 = 2*x*y + 2*z*w
	m11 = 1 - 2*x*x - 2*z*z
	m12 = 2*y*z - 2*x*w
	m20 = 2*x*z - 2*y*w
	m21 = 2*y*z + 2*x*w
	m22 = 1 - 2*x*x - 2*y*y
	return
}

// interpolateTransform slerps rotation and linearly interpolates
// translation between a and b at fraction t in [0,1].
func interpolateTransform(a, b [16]float64, t float64) [16]float64 {
	qa := rotationFromTransform(a)
	qb := rotationFromTransform(b)
	qi := slerp(qa, qb, t)
	m00, m01, m02, m10, m11, m12, m20, m21, m22 := qi.toMatrix()

	var out [16]float64
	out[0], out[1], out[2] = m00, m01, m02
	out[4], out[5], out[6] = m10, m11, m12
	out[8], out[9], out[10] = m20, m21, m22
	out[15] = 1
	// Translation column.
	out[3] = a[3] + t*(b[3]-a[3])
	out[7] = a[7] + t*(b[7]-a[7])
	out[11] = a[11] + t*(b[11]-a[11])
	return out
}
