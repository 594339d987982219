package database

import (
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

func numericFromBig(v *big.Int) pgtype.Numeric {
	if v == nil {
		v = new(big.Int)
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Valid: true}
}

// nullableNumeric keeps a nil amount as SQL NULL.
func nullableNumeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{}
	}
	return numericFromBig(v)
}

func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil || n.NaN {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func numericToBig(n pgtype.Numeric) *big.Int {
	return numericToDecimal(n).BigInt()
}

func numericToNullableBig(n pgtype.Numeric) *big.Int {
	if !n.Valid {
		return nil
	}
	return numericToBig(n)
}
