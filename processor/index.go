package processor

import (
	"context"
	"fmt"

	geocube "github.com/airbusgeo/geocube-client-go/client"
	geocubepb "github.com/airbusgeo/geocube-client-go/pb"
	"github.com/airbusgeo/s2-gapfill/interface/rasterio"
)

// dataFormat returns the geocube data format of the encoding (stored values)
// and the real extent of the values ([0, 1] for reflectances)
func dataFormat(enc rasterio.Encoding) (geocube.DataFormat, float64, float64, error) {
	dformat := geocube.DataFormat{NoData: enc.NoData}
	switch enc.DType {
	default:
		return dformat, 0, 0, fmt.Errorf("dataFormat: dtype '%v' not supported", enc.DType)
	case rasterio.UInt8:
		dformat.Dtype = geocubepb.DataFormat_UInt8
		dformat.MinValue, dformat.MaxValue = 0, 1
		return dformat, 0, 1, nil
	case rasterio.Int16:
		dformat.Dtype = geocubepb.DataFormat_Int16
	case rasterio.Float32:
		dformat.Dtype = geocubepb.DataFormat_Float32
	}
	dformat.MinValue, dformat.MaxValue = 0, enc.Scale
	return dformat, 0, 1, nil
}

// indexFile indexes the single-band file in the Geocube
func indexFile(ctx context.Context, gcclient *geocube.Client, instanceID, recordID, uri string, enc rasterio.Encoding) error {
	dformat, extMin, extMax, err := dataFormat(enc)
	if err != nil {
		return fmt.Errorf("indexFile.%w", err)
	}
	return gcclient.IndexDataset(ctx, uri, true, "", recordID, instanceID, []int64{1}, &dformat, extMin, extMax, 1)
}
